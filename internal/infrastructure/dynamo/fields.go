package dynamo

// DynamoDB attribute names used in key conditions and update expressions across all repos.
// Using constants prevents silent runtime bugs caused by key typos.
const (
	fieldEventID    = "event_id"
	fieldDeviceID   = "device_id"
	fieldKind       = "kind"
	fieldCellCode   = "cell_code"
	fieldCellPrefix = "cell_prefix"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
	fieldExpiresAt  = "expires_at"
	fieldTTL        = "ttl"
	fieldLimitKey   = "limit_key"
	fieldCount      = "hits"
)

// kind values partition the time-ordered GSIs; every item of a table shares one.
const (
	kindEvent        = "event"
	kindSubscription = "subscription"
	kindNotification = "notification"
)

// GSI names created by Bootstrap.
const (
	indexCell      = "cell_prefix-cell_code-index"
	indexCreatedAt = "kind-created_at-index"
	indexExpiresAt = "kind-expires_at-index"
	indexUpdatedAt = "kind-updated_at-index"
)
