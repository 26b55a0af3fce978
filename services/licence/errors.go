package licence

import "errors"

var (
	ErrInvalidToken               = errors.New("licence token is invalid")
	ErrEmptyToken                 = errors.New("licence token is empty")
	ErrLicenceUnavailable         = errors.New("licence is not available")
	ErrAdminLicenceForbidden      = errors.New("admin licence cannot be chosen")
	ErrCustomLicenceAlreadyExists = errors.New("custom licence already exists")
)
