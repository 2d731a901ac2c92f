// Package record implements the telemetry record model: a small tagged sum
// type of per-API-call counters and host-punishment counters, with the
// weighted-average merge law used to fold new observations into existing
// aggregates.
package record

import (
	"encoding/json"
	"fmt"
)

// DotType distinguishes the SDK-internal call path from the raw HTTP path.
type DotType string

const (
	DotTypeSdk  DotType = "sdk"
	DotTypeHTTP DotType = "http"
)

// APIName enumerates every operation this module dots. The wire value is
// the snake_case name below.
type APIName string

const (
	APIIoGetfile                 APIName = "io_getfile"
	APIMonitorV1Stat              APIName = "monitor_v1_stat"
	APIUcV4Query                  APIName = "uc_v4_query"
	APIRangeReaderReadAt          APIName = "range_reader_read_at"
	APIRangeReaderReadMultiRanges APIName = "range_reader_read_multi_ranges"
	APIRangeReaderExist           APIName = "range_reader_exist"
	APIRangeReaderFileSize        APIName = "range_reader_file_size"
	APIRangeReaderDownloadTo      APIName = "range_reader_download_to"
	APIRangeReaderReadLastBytes   APIName = "range_reader_read_last_bytes"
)

// Key identifies a slot in a record map: either an (DotType, APIName) pair
// or the PunishedCount sentinel.
type Key struct {
	Punished bool
	DotType  DotType
	APIName  APIName
}

func APICallKey(dotType DotType, apiName APIName) Key {
	return Key{DotType: dotType, APIName: apiName}
}

var PunishedCountKey = Key{Punished: true}

// Record is the tagged sum. Exactly one of the two halves is meaningful,
// selected by Punished mirroring the Key that produced it.
type Record struct {
	Punished bool

	DotType             DotType
	APIName             APIName
	SuccessCount        uint64
	FailedCount         uint64
	SuccessAvgElapsedMs uint64
	FailedAvgElapsedMs  uint64

	PunishedCount uint64
}

func (r Record) Key() Key {
	if r.Punished {
		return PunishedCountKey
	}
	return APICallKey(r.DotType, r.APIName)
}

// NewAPICall builds a single-observation record: exactly one of
// success/failed fires.
func NewAPICall(dotType DotType, apiName APIName, successful bool, elapsedMs uint64) Record {
	r := Record{DotType: dotType, APIName: apiName}
	if successful {
		r.SuccessCount = 1
		r.SuccessAvgElapsedMs = elapsedMs
	} else {
		r.FailedCount = 1
		r.FailedAvgElapsedMs = elapsedMs
	}
	return r
}

func NewPunishedCount(count uint64) Record {
	return Record{Punished: true, PunishedCount: count}
}

// Merge folds delta into r following the weighted-average law. Merging
// records of different tags (APICall vs PunishedCount, or different
// DotType/APIName) is a programmer error and panics — callers are expected
// to merge only same-key records, which record maps guarantee by
// construction.
func (r Record) Merge(delta Record) Record {
	if r.Punished != delta.Punished {
		panic("record: cannot merge APICall record with PunishedCount record")
	}
	if r.Punished {
		return Record{Punished: true, PunishedCount: r.PunishedCount + delta.PunishedCount}
	}
	if r.DotType != delta.DotType || r.APIName != delta.APIName {
		panic(fmt.Sprintf("record: cannot merge mismatched keys %v/%v with %v/%v", r.DotType, r.APIName, delta.DotType, delta.APIName))
	}
	out := Record{DotType: r.DotType, APIName: r.APIName}
	out.SuccessCount = r.SuccessCount + delta.SuccessCount
	out.SuccessAvgElapsedMs = weightedAvg(r.SuccessAvgElapsedMs, r.SuccessCount, delta.SuccessAvgElapsedMs, delta.SuccessCount, out.SuccessCount)
	out.FailedCount = r.FailedCount + delta.FailedCount
	out.FailedAvgElapsedMs = weightedAvg(r.FailedAvgElapsedMs, r.FailedCount, delta.FailedAvgElapsedMs, delta.FailedCount, out.FailedCount)
	return out
}

// weightedAvg computes floor((oldAvg*oldCount + deltaAvg*deltaCount) / newCount),
// returning 0 when newCount is 0. All arithmetic stays in integers, matching
// the exact-integer merge law (invariant 1).
func weightedAvg(oldAvg, oldCount, deltaAvg, deltaCount, newCount uint64) uint64 {
	if newCount == 0 {
		return 0
	}
	total := oldAvg*oldCount + deltaAvg*deltaCount
	return total / newCount
}

// wireAPICall / wirePunished are the untagged JSON wire shapes.
type wireAPICall struct {
	Type                      DotType `json:"type"`
	APIName                   APIName `json:"api_name"`
	SuccessCount              uint64  `json:"success_count"`
	SuccessAvgElapsedDuration uint64  `json:"success_avg_elapsed_duration"`
	FailedCount               uint64  `json:"failed_count"`
	FailedAvgElapsedDuration  uint64  `json:"failed_avg_elapsed_duration"`
}

type wirePunished struct {
	PunishedCount uint64 `json:"punished_count"`
}

// MarshalJSON emits the untagged wire form: no discriminator field beyond
// what each shape's own fields already imply.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Punished {
		return json.Marshal(wirePunished{PunishedCount: r.PunishedCount})
	}
	return json.Marshal(wireAPICall{
		Type:                      r.DotType,
		APIName:                   r.APIName,
		SuccessCount:              r.SuccessCount,
		SuccessAvgElapsedDuration: r.SuccessAvgElapsedMs,
		FailedCount:               r.FailedCount,
		FailedAvgElapsedDuration:  r.FailedAvgElapsedMs,
	})
}

// UnmarshalJSON tries the more specific APICall shape first (it has a
// required, distinguishing "type" field) and falls back to PunishedCount,
// matching the untagged-sum deserialize strategy in the design notes.
func (r *Record) UnmarshalJSON(data []byte) error {
	var call wireAPICall
	if err := json.Unmarshal(data, &call); err == nil && call.Type != "" {
		*r = Record{
			DotType:             call.Type,
			APIName:             call.APIName,
			SuccessCount:        call.SuccessCount,
			SuccessAvgElapsedMs: call.SuccessAvgElapsedDuration,
			FailedCount:         call.FailedCount,
			FailedAvgElapsedMs:  call.FailedAvgElapsedDuration,
		}
		return nil
	}
	var punished wirePunished
	if err := json.Unmarshal(data, &punished); err != nil {
		return fmt.Errorf("record: not a recognized record shape: %w", err)
	}
	*r = Record{Punished: true, PunishedCount: punished.PunishedCount}
	return nil
}

// DotRecords is the POST body shape uploaded to the monitor: {"logs": [...]}.
type DotRecords struct {
	Logs []Record `json:"logs"`
}
