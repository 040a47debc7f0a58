package config

import "context"

// SecretProvider abstracts the retrieval of secrets referenced by _FILE
// pointer variables. Returns a map of key -> plaintext value for every key it
// could resolve; unresolved keys are omitted.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
