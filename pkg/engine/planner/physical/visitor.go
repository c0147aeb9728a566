package physical

// Visitor has one method per physical node type. Executors implement it to
// instantiate operators.
type Visitor interface {
	VisitSourceScan(*SourceScan) error
	VisitFilter(*Filter) error
	VisitProjection(*Projection) error
	VisitRepartitionSink(*RepartitionSink) error
	VisitTableChanges(*TableChanges) error
	VisitAggregation(*Aggregation) error
	VisitStreamTableJoin(*StreamTableJoin) error
	VisitStreamStreamJoin(*StreamStreamJoin) error
	VisitLimit(*Limit) error
	VisitSink(*Sink) error
}
