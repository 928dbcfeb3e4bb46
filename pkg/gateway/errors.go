/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/datagate-io/datagate/pkg/environment"
	"github.com/datagate-io/datagate/pkg/odata"
)

// Error is a client-visible failure with its HTTP status and a stable
// machine-readable code. The JSON body is {error, code, detail?}.
type Error struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
	Msg    string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Msg + ": " + e.Detail
	}
	return e.Msg
}

func apiError(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Msg: msg}
}

func apiErrorf(status int, code, msg, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Msg: msg, Detail: fmt.Sprintf(format, args...)}
}

// asError normalises any failure into a client-visible Error following
// the propagation policy: input errors keep their detail, configuration
// problems surface as an opaque 500, upstream problems as 502/504.
func asError(err error) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	var badFilter *odata.ErrBadFilter
	if errors.As(err, &badFilter) {
		return apiErrorf(http.StatusBadRequest, "MalformedOData", "malformed OData query", "%s", badFilter.Detail)
	}
	var badQuery *odata.ErrBadQuery
	if errors.As(err, &badQuery) {
		return apiErrorf(http.StatusBadRequest, "MalformedOData", "malformed OData query", "%s", badQuery.Detail)
	}
	var unknownCols *odata.ErrUnknownColumns
	if errors.As(err, &unknownCols) {
		return apiErrorf(http.StatusBadRequest, "UnknownColumns", "unknown columns", "%s", unknownCols.Error())
	}
	if errors.Is(err, environment.ErrEnvironmentNotAllowed) {
		return apiError(http.StatusBadRequest, "EnvironmentInvalid", "environment is not allowed")
	}
	if errors.Is(err, environment.ErrEnvironmentNotConfigured) {
		// Configuration errors leak no internal detail.
		return apiError(http.StatusInternalServerError, "InternalError", "internal error")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apiError(http.StatusGatewayTimeout, "UpstreamTimeout", "upstream timed out")
	}
	return apiError(http.StatusInternalServerError, "InternalError", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, e *Error) {
	writeJSON(w, e.Status, e)
}
