package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	if !strings.HasPrefix(subject, SubjectSyncPrefix+".") {
		return nil
	}

	var p SyncJobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if p.CredentialID == "" {
		return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("credentialId is required"))
	}
	if p.SyncJobID != nil && *p.SyncJobID <= 0 {
		return fmt.Errorf("schema validation failed for %s: syncJobId must be positive", subject)
	}
	return nil
}
