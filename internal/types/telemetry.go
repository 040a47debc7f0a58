package types

// Telemetry metric names for CloudWatch.
const (
	// Metric Names
	MetricPreCheckout       = "PreCheckoutDecision"
	MetricConfirmation      = "ConfirmationOutcome"
	MetricLedgerOrphan      = "LedgerOrphan"
	MetricInvoiceIssued     = "InvoiceIssued"
	MetricExternalAPIFailed = "ExternalAPIFailure"
	MetricAPIRequest        = "APIRequest"
	MetricAPILatency        = "APILatency"

	// Dimension Keys
	DimCategory = "Category"
	DimOutcome  = "Outcome"
	DimCause    = "Cause"
	DimProvider = "Provider"
	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"

	// Metric Namespace
	MetricNamespace = "Resolver"
)
