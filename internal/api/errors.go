package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/ledger"
)

type errorResponse struct {
	Code   string               `json:"code"`
	Error  string               `json:"error"`
	Fields []auction.FieldError `json:"fields,omitempty"`
}

func statusFor(err error) int {
	var verr *auction.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ledger.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrBidTooLow):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrNotActive),
		errors.Is(err, auction.ErrInvalidTransition),
		errors.Is(err, auction.ErrSelfBid),
		errors.Is(err, auction.ErrAlreadyListed),
		errors.Is(err, auction.ErrAlreadyActive),
		errors.Is(err, auction.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope. Internal failures are logged
// and their detail withheld from the caller.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := errorResponse{Code: auction.Code(err), Error: err.Error()}

	var verr *auction.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	if errors.Is(err, ledger.ErrMalformed) {
		resp.Code = "VALIDATION_FAILED"
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		resp.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, resp)
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Error: msg})
}
