package messagequeue

// SyncJobPayload is the schema for howdoifare.sync.* messages.
type SyncJobPayload struct {
	CredentialID string          `json:"credentialId"`
	SyncJobID    *int64          `json:"syncJobId,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	Filters      *SyncJobFilters `json:"filters,omitempty"`
}

// SyncJobFilters restricts the entities a sync visits.
type SyncJobFilters struct {
	OrgIDs      []int64  `json:"orgIds,omitempty"`
	RepoIDs     []int64  `json:"repoIds,omitempty"`
	ProjectKeys []string `json:"projectKeys,omitempty"`
}
