package debugreport

// Verbose debug report reason codes. One reason exists per policy drop so
// that ad techs can distinguish rejection causes without the engine ever
// surfacing them as errors.
const (
	ReasonNoMatchingSource     = "trigger-no-matching-source"
	ReasonNoMatchingFilterData = "trigger-no-matching-filter-data"

	ReasonAttributionsLimit          = "trigger-attributions-per-source-destination-limit"
	ReasonEventAttributionsLimit     = "trigger-event-attributions-per-source-destination-limit"
	ReasonAggregateAttributionsLimit = "trigger-aggregate-attributions-per-source-destination-limit"
	ReasonReportingOriginLimit       = "trigger-reporting-origin-limit"

	ReasonEventNoise                 = "trigger-event-noise"
	ReasonEventReportWindowPassed    = "trigger-event-report-window-passed"
	ReasonEventDeduplicated          = "trigger-event-deduplicated"
	ReasonEventStorageLimit          = "trigger-event-storage-limit"
	ReasonEventNoMatchingTriggerData = "trigger-event-no-matching-trigger-data"
	ReasonEventExcessiveReports      = "trigger-event-excessive-reports"

	ReasonAggregateReportWindowPassed = "trigger-aggregate-report-window-passed"
	ReasonAggregateStorageLimit       = "trigger-aggregate-storage-limit"
	ReasonAggregateExcessiveReports   = "trigger-aggregate-excessive-reports"
	ReasonAggregateDeduplicated       = "trigger-aggregate-deduplicated"
	ReasonAggregateNoContributions    = "trigger-aggregate-no-contributions"
	ReasonAggregateInsufficientBudget = "trigger-aggregate-insufficient-budget"
)
