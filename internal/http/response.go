package http

import "raftmetrics/pkg/metricstate"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// ValueResponse carries the latest recorded value of one metric.
type ValueResponse struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// AggregateResponse carries the running aggregate of one metric.
type AggregateResponse struct {
	Name      string                `json:"name"`
	Aggregate metricstate.Aggregate `json:"aggregate"`
}

// TotalsResponse is the rollup across all shards of the node.
type TotalsResponse struct {
	Count   uint64  `json:"count"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
}
