// Package license implements the device-bound activation protocol: issuing
// keyed licenses, binding devices up to a quota, validating activation
// tokens against live license state, and tier-gated feature ceilings.
package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/fraud"
	"skillpulse/internal/infrastructure"
	"skillpulse/internal/keygen"
	"skillpulse/internal/store"
	"skillpulse/internal/token"
)

// Assessor scores a completed activation. Implemented by fraud.Detector.
type Assessor interface {
	AssessActivation(ctx context.Context, lic *store.License, deviceHash string) error
}

// Service carries out the activation protocol against the store.
type Service struct {
	store    *store.Store
	codec    *token.Codec
	assessor Assessor
	geo      *fraud.GeoIP
	logger   *slog.Logger
	metrics  *infrastructure.BusinessMetrics
}

// NewService builds the license service. assessor, geo and metrics may be
// nil; the protocol works without risk scoring or geo enrichment.
func NewService(st *store.Store, codec *token.Codec, assessor Assessor, geo *fraud.GeoIP, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Service {
	return &Service{
		store:    st,
		codec:    codec,
		assessor: assessor,
		geo:      geo,
		logger:   logger,
		metrics:  metrics,
	}
}

// IssueRequest describes a new license to create.
type IssueRequest struct {
	UserID     string
	PackageID  string
	Tier       string
	MaxDevices int
	ExpiresAt  *time.Time
	Source     string
}

// Issue creates a license with a fresh collision-checked key. The returned
// license carries the plaintext key for the one-time purchase receipt.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*store.License, error) {
	key, err := keygen.UniqueKey(ctx, s.store, s.logger)
	if err != nil {
		return nil, fmt.Errorf("license: generate key: %w", err)
	}

	maxDevices := req.MaxDevices
	if maxDevices <= 0 {
		maxDevices = MaxDevicesFor(req.Tier)
	}

	lic := &store.License{
		UserID:     req.UserID,
		PackageID:  req.PackageID,
		KeyPlain:   key,
		KeyHash:    keygen.HashKey(key),
		Tier:       req.Tier,
		MaxDevices: maxDevices,
		ExpiresAt:  req.ExpiresAt,
		Source:     req.Source,
	}
	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}

	s.logger.Info("license issued",
		slog.String("license_id", lic.ID),
		slog.String("package_id", lic.PackageID),
		slog.String("tier", lic.Tier),
		slog.String("key", keygen.MaskKey(key)))
	return lic, nil
}

// ActivationResult is returned from a successful Activate call.
type ActivationResult struct {
	Token         string                  `json:"token"`
	MaskedKey     string                  `json:"masked_key"`
	LicenseID     string                  `json:"license_id"`
	PackageID     string                  `json:"package_id"`
	Limits        Limits                  `json:"limits"`
	ActiveDevices int                     `json:"active_devices"`
	MaxDevices    int                     `json:"max_devices"`
	Activation    *store.DeviceActivation `json:"activation"`
}

// Activate binds a device to the license behind licenseKey and issues an
// activation token. Re-activating an already-bound device is an idempotent
// success returning a fresh token for the existing binding.
func (s *Service) Activate(ctx context.Context, licenseKey, deviceID string, meta store.DeviceMeta) (*ActivationResult, error) {
	lic, err := s.store.GetLicenseByKeyHash(ctx, keygen.HashKey(licenseKey))
	if err != nil {
		s.countFailure(ctx)
		return nil, err
	}
	if err := licenseUsable(lic); err != nil {
		s.countFailure(ctx)
		return nil, err
	}

	deviceHash := keygen.HashDeviceID(deviceID)
	if meta.Country == "" && meta.IPAddress != "" && s.geo != nil {
		meta.Country = s.geo.Country(meta.IPAddress)
	}

	act, existing, activeDevices, err := s.store.ActivateDevice(ctx, lic.ID, deviceHash, meta)
	if err != nil {
		s.countFailure(ctx)
		return nil, err
	}

	if s.assessor != nil {
		if err := s.assessor.AssessActivation(ctx, lic, deviceHash); err != nil {
			// Hard block: undo a binding created by this call before
			// failing. An existing binding predates the signal and is the
			// admin's call to revoke.
			if !existing {
				if _, dErr := s.store.DeactivateDevice(ctx, lic.ID, deviceHash); dErr != nil {
					s.logger.Error("rollback of blocked activation failed",
						slog.String("license_id", lic.ID),
						slog.String("error", dErr.Error()))
				}
			}
			s.countFailure(ctx)
			return nil, err
		}
	}

	signed, err := s.codec.Sign(lic.ID, lic.PackageID, deviceHash, lic.UserID)
	if err != nil {
		s.countFailure(ctx)
		return nil, fmt.Errorf("license: issue token: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Activations.Add(ctx, 1)
	}
	s.logger.Info("device activated",
		slog.String("license_id", lic.ID),
		slog.String("activation_id", act.ID),
		slog.Bool("existing", existing))

	// The count comes from inside the activation transaction, so it stays
	// truthful under concurrent activations of the same license.
	return &ActivationResult{
		Token:         signed,
		MaskedKey:     keygen.MaskKey(licenseKey),
		LicenseID:     lic.ID,
		PackageID:     lic.PackageID,
		Limits:        LimitsFor(lic.Tier),
		ActiveDevices: activeDevices,
		MaxDevices:    lic.MaxDevices,
		Activation:    act,
	}, nil
}

// Validate checks a token against the presented device and the license's
// current store state. A token issued before a revocation stops validating
// the moment the status flips, and a deactivated device no longer passes
// even with an unexpired token.
func (s *Service) Validate(ctx context.Context, tokenString, deviceID string) (*token.Claims, *store.License, error) {
	if s.metrics != nil {
		s.metrics.TokenValidations.Add(ctx, 1)
	}

	claims, err := s.codec.Verify(tokenString)
	if err != nil {
		return nil, nil, err
	}
	if claims.DeviceHash != keygen.HashDeviceID(deviceID) {
		return nil, nil, apperrors.ErrDeviceMismatch
	}

	lic, err := s.store.GetLicense(ctx, claims.LicenseID)
	if err != nil {
		return nil, nil, err
	}
	if err := licenseUsable(lic); err != nil {
		return nil, nil, err
	}

	if _, err := s.store.ActiveDevice(ctx, lic.ID, claims.DeviceHash); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, apperrors.ErrDeviceMismatch
		}
		return nil, nil, err
	}

	if err := s.store.TouchDevice(ctx, lic.ID, claims.DeviceHash); err != nil {
		s.logger.Warn("last-seen update failed",
			slog.String("license_id", lic.ID),
			slog.String("error", err.Error()))
	}
	return claims, lic, nil
}

// Deactivate releases the device's slot on a license. Returns the
// remaining active-device count; deactivating an unbound device returns
// ErrNotFound without touching the counter.
func (s *Service) Deactivate(ctx context.Context, licenseID, deviceID string) (int, error) {
	remaining, err := s.store.DeactivateDevice(ctx, licenseID, keygen.HashDeviceID(deviceID))
	if err != nil {
		return 0, err
	}
	s.logger.Info("device deactivated",
		slog.String("license_id", licenseID),
		slog.Int("remaining", remaining))
	return remaining, nil
}

// DeactivateByToken releases the binding the token itself proves.
func (s *Service) DeactivateByToken(ctx context.Context, tokenString string) (int, error) {
	claims, err := s.codec.Verify(tokenString)
	if err != nil {
		return 0, err
	}
	remaining, err := s.store.DeactivateDevice(ctx, claims.LicenseID, claims.DeviceHash)
	if err != nil {
		return 0, err
	}
	s.logger.Info("device deactivated",
		slog.String("license_id", claims.LicenseID),
		slog.Int("remaining", remaining))
	return remaining, nil
}

// Reveal returns the plaintext key to the owning user or an admin only.
func (s *Service) Reveal(ctx context.Context, licenseID, requesterID, requesterRole string) (string, error) {
	lic, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		return "", err
	}
	if lic.UserID != requesterID && requesterRole != "admin" {
		s.logger.Warn("key reveal denied",
			slog.String("license_id", licenseID),
			slog.String("requester", requesterID))
		return "", apperrors.ErrNotAuthorized
	}
	return lic.KeyPlain, nil
}

// TierLimitsResult is returned from a limits lookup.
type TierLimitsResult struct {
	Limits             Limits     `json:"limits"`
	SubscriptionActive bool       `json:"subscription_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// TierLimits validates the token, confirms the license covers the
// requested package and returns the tier's feature ceilings. Subscription
// active is computed from expires_at; a nil expiry is perpetual.
func (s *Service) TierLimits(ctx context.Context, tokenString, deviceID, packageSlug string) (*TierLimitsResult, error) {
	_, lic, err := s.Validate(ctx, tokenString, deviceID)
	if err != nil {
		return nil, err
	}
	if lic.PackageID != packageSlug {
		return nil, apperrors.ErrPackageMismatch
	}
	return &TierLimitsResult{
		Limits:             LimitsFor(lic.Tier),
		SubscriptionActive: lic.ExpiresAt == nil || time.Now().Before(*lic.ExpiresAt),
		ExpiresAt:          lic.ExpiresAt,
	}, nil
}

// SetStatus moves a license between its soft states (admin or fraud
// triggered).
func (s *Service) SetStatus(ctx context.Context, licenseID, status string) error {
	if err := s.store.UpdateLicenseStatus(ctx, licenseID, status); err != nil {
		return err
	}
	s.logger.Info("license status changed",
		slog.String("license_id", licenseID),
		slog.String("status", status))
	return nil
}

// Devices lists the activation history for a license.
func (s *Service) Devices(ctx context.Context, licenseID string) ([]*store.DeviceActivation, error) {
	return s.store.ListDevices(ctx, licenseID)
}

// licenseUsable rejects every status but active, and active licenses whose
// expiry has passed.
func licenseUsable(lic *store.License) error {
	if lic.Status != store.LicenseActive {
		return apperrors.ErrLicenseInactive
	}
	if lic.ExpiresAt != nil && time.Now().After(*lic.ExpiresAt) {
		return apperrors.ErrLicenseInactive
	}
	return nil
}

func (s *Service) countFailure(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.ActivationFailures.Add(ctx, 1)
	}
}
