package errors

import (
	"errors"
	"net/http"
)

// Domain sentinel errors returned by the core services. The transport layer
// maps them to APIError responses with FromDomain; services never return raw
// store or network errors to callers.
var (
	ErrNotFound           = errors.New("not found")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrLicenseInactive    = errors.New("license inactive")
	ErrDeviceLimitReached = errors.New("device limit reached")
	ErrDeviceMismatch     = errors.New("device mismatch")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrPackageMismatch    = errors.New("package mismatch")
	ErrSuspectedFraud     = errors.New("suspected fraud")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrConfigError        = errors.New("config error")
)

// Error codes for license and automation operations
const (
	CodeNotFound           = "NOT_FOUND"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
	CodeLicenseInactive    = "LICENSE_INACTIVE"
	CodeDeviceLimitReached = "DEVICE_LIMIT_REACHED"
	CodeDeviceMismatch     = "DEVICE_MISMATCH"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodePackageMismatch    = "PACKAGE_MISMATCH"
	CodeSuspectedFraud     = "SUSPECTED_FRAUD"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
	CodeConfigError        = "CONFIG_ERROR"
)

// FromDomain maps a domain sentinel error to an APIError. Unrecognized
// errors map to a generic internal error so store and network failures are
// never leaked to clients.
func FromDomain(err error) *APIError {
	switch {
	case errors.Is(err, ErrNotFound):
		return New(http.StatusNotFound, CodeNotFound, "The requested resource was not found")
	case errors.Is(err, ErrNotAuthorized):
		return New(http.StatusForbidden, CodeNotAuthorized, "You are not allowed to access this resource")
	case errors.Is(err, ErrLicenseInactive):
		return New(http.StatusForbidden, CodeLicenseInactive, "The license status forbids this operation")
	case errors.Is(err, ErrDeviceLimitReached):
		return New(http.StatusConflict, CodeDeviceLimitReached, "Device limit reached. Deactivate another device to continue")
	case errors.Is(err, ErrDeviceMismatch):
		return New(http.StatusForbidden, CodeDeviceMismatch, "The token is bound to a different device")
	case errors.Is(err, ErrTokenExpired):
		return New(http.StatusUnauthorized, CodeTokenExpired, "The activation token has expired")
	case errors.Is(err, ErrTokenInvalid):
		return New(http.StatusUnauthorized, CodeTokenInvalid, "The activation token is invalid")
	case errors.Is(err, ErrPackageMismatch):
		return New(http.StatusForbidden, CodePackageMismatch, "The license does not cover the requested product")
	case errors.Is(err, ErrSuspectedFraud):
		return New(http.StatusForbidden, CodeSuspectedFraud, "Activation blocked pending review")
	case errors.Is(err, ErrDeliveryFailed):
		return New(http.StatusBadGateway, CodeDeliveryFailed, "Delivery to the email provider failed")
	case errors.Is(err, ErrConfigError):
		return New(http.StatusUnprocessableEntity, CodeConfigError, "Malformed configuration")
	default:
		return ErrInternalServer
	}
}
