package edge

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/offset"
	"github.com/durablelog/durablelog/internal/sequencer"
)

// httpError is a handler-level error that already knows its HTTP status,
// message, and any headers the response must carry alongside it (the
// Producer-* fencing headers, Stream-Closed, and so on).
type httpError struct {
	status  int
	message string
	headers map[string]string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func newHTTPErrorWithHeaders(status int, message string, headers map[string]string) *httpError {
	return &httpError{status: status, message: message, headers: headers}
}

// mapEngineErr implements spec.md §7's error-kind-to-status table,
// translating everything internal/engine and internal/sequencer can
// return into an httpError the router can write directly. A
// *engine.ProducerError additionally carries the Producer-Epoch /
// Producer-Expected-Seq / Producer-Received-Seq headers spec.md §4.3
// requires on a fencing or gap rejection.
func mapEngineErr(err error) *httpError {
	var pErr *engine.ProducerError
	if errors.As(err, &pErr) {
		headers := map[string]string{}
		switch {
		case errors.Is(pErr.Err, engine.ErrStaleEpoch):
			headers[HeaderProducerEpoch] = strconv.FormatInt(pErr.CurrentEpoch, 10)
			return newHTTPErrorWithHeaders(http.StatusForbidden, "stale producer epoch", headers)
		case errors.Is(pErr.Err, engine.ErrInvalidEpochSeq):
			return newHTTPError(http.StatusBadRequest, "new epoch must start at seq 0")
		case errors.Is(pErr.Err, engine.ErrSeqGap):
			headers[HeaderProducerExpectedSeq] = strconv.FormatInt(pErr.ExpectedSeq, 10)
			headers[HeaderProducerReceivedSeq] = strconv.FormatInt(pErr.ReceivedSeq, 10)
			return newHTTPErrorWithHeaders(http.StatusConflict, "producer sequence gap", headers)
		}
		return newHTTPError(http.StatusBadRequest, pErr.Error())
	}

	switch {
	case errors.Is(err, engine.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, engine.ErrConfigMismatch):
		return newHTTPError(http.StatusConflict, "stream exists with different configuration")
	case errors.Is(err, engine.ErrInvalidTTL):
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	case errors.Is(err, engine.ErrQuotaExceeded):
		return newHTTPError(http.StatusInsufficientStorage, "hot storage quota exceeded")
	case errors.Is(err, engine.ErrAppendTooLarge):
		return newHTTPError(http.StatusRequestEntityTooLarge, "append body exceeds max size")
	case errors.Is(err, engine.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, engine.ErrStreamClosed):
		return newHTTPErrorWithHeaders(http.StatusConflict, "stream is closed", map[string]string{HeaderStreamClosed: "true"})
	case errors.Is(err, engine.ErrEmptyAppend):
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	case errors.Is(err, engine.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON body")
	case errors.Is(err, engine.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	case errors.Is(err, engine.ErrStreamSeqRegressed):
		return newHTTPError(http.StatusConflict, "Stream-Seq did not strictly increase")
	case errors.Is(err, engine.ErrOffsetMidMessage):
		return newHTTPError(http.StatusBadRequest, "offset falls mid-message")
	case errors.Is(err, engine.ErrPartialProducer):
		return newHTTPError(http.StatusBadRequest, "producer headers must be all-or-none")
	case errors.Is(err, engine.ErrCloseMismatch):
		return newHTTPError(http.StatusConflict, "close replay does not match prior close")
	case errors.Is(err, offset.ErrInvalidOffset):
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	case sequencer.IsDebugActionsDisabled(err):
		return newHTTPError(http.StatusNotFound, "debug actions not enabled in this build")
	}

	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	return nil
}
