package store

import (
	"encoding/json"
	"fmt"

	"github.com/rasterfleet/scheduler-core/internal/model"
)

func marshalRecord(rec model.OutstandingJobRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (model.OutstandingJobRecord, error) {
	var rec model.OutstandingJobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.OutstandingJobRecord{}, fmt.Errorf("unmarshal job record: %w", err)
	}
	return rec, nil
}
