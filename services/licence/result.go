package licence

import (
	"errors"

	"smallbiznis-licensing/pkg/errutil"
)

// Err converts a rejected upgrade into a transport error. It is nil for a
// successful result.
func (r *UpgradeResult) Err() error {
	if r == nil || r.Success {
		return nil
	}

	switch {
	case errors.Is(r.Reason, ErrAdminLicenceForbidden):
		return errutil.Forbidden(r.Message, r.Reason)
	case errors.Is(r.Reason, ErrCustomLicenceAlreadyExists):
		return errutil.Conflict(r.Message, r.Reason)
	default:
		return errutil.UnprocessableEntity(r.Message, r.Reason)
	}
}

// TokenError maps codec failures onto transport errors. A broken or missing
// token is a state problem fixed by regenerating it, hence Conflict.
func TokenError(err error) error {
	switch {
	case errors.Is(err, ErrEmptyToken):
		return errutil.Conflict("no licence token, assign a licence first", err)
	case errors.Is(err, ErrInvalidToken):
		return errutil.Conflict("licence token is invalid, it must be regenerated", err)
	default:
		return err
	}
}
