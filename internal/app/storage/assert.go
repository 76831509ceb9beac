package storage

var (
	_ NodeStore        = (*Memory)(nil)
	_ VMStore          = (*Memory)(nil)
	_ ObligationStore  = (*Memory)(nil)
	_ UsageStore       = (*Memory)(nil)
	_ DepositStore     = (*Memory)(nil)
	_ RouteStore       = (*Memory)(nil)
	_ CreditGrantStore = (*Memory)(nil)
	_ CommandStore     = (*Memory)(nil)
)
