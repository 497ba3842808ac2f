package model

import (
	"time"
)

// Class is the classification of one fetch outcome.
type Class string

const (
	ClassOK          Class = "OK"
	ClassRedirect    Class = "REDIRECT"
	ClassClientError Class = "CLIENT_ERROR"
	ClassServerError Class = "SERVER_ERROR"
	ClassUnknown     Class = "UNKNOWN"
	ClassError       Class = "ERROR"
)

// Classes lists every class in summary order.
var Classes = []Class{ClassOK, ClassRedirect, ClassClientError, ClassServerError, ClassUnknown, ClassError}

// ClassifyStatus maps an HTTP status code to its class.
func ClassifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassOK
	case code >= 300 && code < 400:
		return ClassRedirect
	case code >= 400 && code < 500:
		return ClassClientError
	case code >= 500 && code < 600:
		return ClassServerError
	default:
		return ClassUnknown
	}
}

type FetchTask struct {
	Index  int
	Suffix string
	Target string
}

type FetchResult struct {
	Index      int           `json:"index"`
	Target     string        `json:"target"`
	Class      Class         `json:"class"`
	StatusCode int           `json:"status_code,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// FetchSummary counts results per class.
type FetchSummary struct {
	Total  int           `json:"total"`
	Counts map[Class]int `json:"counts"`
}

func Summarize(results []FetchResult) FetchSummary {
	counts := make(map[Class]int, len(Classes))
	for _, c := range Classes {
		counts[c] = 0
	}
	for _, r := range results {
		counts[r.Class]++
	}
	return FetchSummary{Total: len(results), Counts: counts}
}
