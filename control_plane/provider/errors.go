package provider

import (
	"context"
	"net"
	"net/http"

	"github.com/ovh/go-ovh/ovh"
	"github.com/pkg/errors"

	"github.com/itskum47/ovhsniper/control_plane/errs"
)

// Classify maps a raw provider failure onto the error taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}

	var apiErr *ovh.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.Code)
		}
		e := &errs.Error{Message: op + ": " + msg, Err: err}
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			e.Kind = errs.KindAuth
		case apiErr.Code == http.StatusNotFound:
			e.Kind = errs.KindNotFound
		case apiErr.Code == http.StatusTooManyRequests:
			e.Kind = errs.KindProviderTransient
			e.RateLimited = true
		case apiErr.Code >= 500:
			e.Kind = errs.KindProviderTransient
		case apiErr.Code == http.StatusRequestTimeout:
			e.Kind = errs.KindProviderTransient
		default:
			// 400, 409, 422 and other client errors are caller mistakes.
			e.Kind = errs.KindValidation
		}
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindProviderTransient, err, "%s: timeout", op)
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindProviderTransient, err, "%s: cancelled", op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Wrap(errs.KindProviderTransient, err, "%s: network error", op)
	}
	return errs.Wrap(errs.KindProviderTransient, err, "%s", op)
}
