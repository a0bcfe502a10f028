package store

import "fmt"

// DuplicateJobError is returned by Insert when (endpoint_id, job_id)
// already exists. BufferedRequestQueue treats it as an idempotent-success
// signal on redelivery, not a failure.
type DuplicateJobError struct {
	EndpointID string
	JobID      string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s/%s already exists", e.EndpointID, e.JobID)
}
