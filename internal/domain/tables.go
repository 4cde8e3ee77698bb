package domain

// Store table names.
const (
	TableMessages     = "messages"
	TableGrants       = "grants"
	TableCodes        = "codes"
	TableTokens       = "tokens"
	TableClients      = "clients"
	TableBusUsers     = "bus_users"
	TableBusConfigs   = "bus_configs"
	TableAuthRequests = "auth_requests"
	TableDecisionKeys = "auth_decision_keys"
	TableAuthSessions = "auth_sessions"
)
