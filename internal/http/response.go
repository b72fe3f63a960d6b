package http

import "github.com/JaimePolidura/SimpleDB/pkg/lsm"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Pair is one live key of a scan.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response represents the standard API response format.
type Response struct {
	Status    Status     `json:"status,omitempty"`
	Value     string     `json:"value,omitempty"`
	Error     string     `json:"error,omitempty"`
	Keyspace  *uint64    `json:"keyspace,omitempty"`
	Keyspaces []uint64   `json:"keyspaces,omitempty"`
	Entries   []Pair     `json:"entries,omitempty"`
	Stats     *lsm.Stats `json:"stats,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewKeyspaceResponse(id uint64) Response {
	return Response{Status: StatusSuccess, Keyspace: &id}
}

func NewKeyspacesResponse(ids []uint64) Response {
	if ids == nil {
		ids = []uint64{}
	}
	return Response{Status: StatusSuccess, Keyspaces: ids}
}

func NewEntriesResponse(entries []Pair) Response {
	return Response{Status: StatusSuccess, Entries: entries}
}

func NewStatsResponse(s lsm.Stats) Response {
	return Response{Status: StatusSuccess, Stats: &s}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
