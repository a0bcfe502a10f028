package store

import "fmt"

const (
	keyPrefix      = "osml:job:"
	outstandingSet = "osml:jobs:outstanding"
	endpointSetPfx = "osml:jobs:endpoint:"
)

func jobKey(endpointID, jobID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, endpointID, jobID)
}

func memberKey(endpointID, jobID string) string {
	return endpointID + ":" + jobID
}

func endpointSetKey(endpointID string) string {
	return endpointSetPfx + endpointID
}
