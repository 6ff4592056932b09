package hipaa

import (
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/policy"
	"github.com/phimarket/compliance/pkg/validate"
)

// CryptoHandler exposes the encryption service over HTTP. Requests without
// an explicit key use the key derived from the caller's session; anonymous
// callers must supply a key. Values sealed under the service key are opened
// only for PHI readers and compliance officers.
type CryptoHandler struct {
	svc    *EncryptionService
	logger zerolog.Logger
}

func NewCryptoHandler(svc *EncryptionService, logger zerolog.Logger) *CryptoHandler {
	return &CryptoHandler{svc: svc, logger: logger}
}

func (h *CryptoHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/crypto")
	g.POST("/encrypt", h.Encrypt)
	g.POST("/decrypt", h.Decrypt)
	g.POST("/field/encrypt", h.EncryptField)

	reader := auth.RequireRole(auth.RolePHIReader, auth.RoleComplianceOfficer)
	g.POST("/field/decrypt", h.DecryptField, reader)
	g.POST("/field/rotate", h.RotateField, reader)
}

type encryptRequest struct {
	Value any `json:"value"`
	// Key is an optional hex-encoded key.
	Key string `json:"key" validate:"omitempty,hexadecimal"`
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext" validate:"required,base64"`
	Key        string `json:"key" validate:"omitempty,hexadecimal"`
}

type fieldDecryptRequest struct {
	Field EncryptedField `json:"field"`
}

func (h *CryptoHandler) Encrypt(c echo.Context) error {
	var req encryptRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	key, err := h.keyFor(c, req.Key)
	if err != nil {
		return err
	}
	ct, err := h.svc.Encrypt(req.Value, key)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ciphertext": ct})
}

func (h *CryptoHandler) Decrypt(c echo.Context) error {
	var req decryptRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	key, err := h.keyFor(c, req.Key)
	if err != nil {
		return err
	}
	v, err := h.svc.Decrypt(req.Ciphertext, key)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"value": v})
}

func (h *CryptoHandler) EncryptField(c echo.Context) error {
	var req encryptRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	f, err := h.svc.EncryptField(req.Value)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *CryptoHandler) DecryptField(c echo.Context) error {
	var req fieldDecryptRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Field.EncryptedData == "" || req.Field.IV == "" || req.Field.AuthTag == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "field must carry encryptedData, iv and authTag")
	}
	v, err := h.svc.DecryptField(req.Field)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"value": v})
}

// RotateField reseals a stored field under the current service key.
func (h *CryptoHandler) RotateField(c echo.Context) error {
	var req fieldDecryptRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Field.EncryptedData == "" || req.Field.IV == "" || req.Field.AuthTag == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "field must carry encryptedData, iv and authTag")
	}
	f, rotated, err := h.svc.RotateField(req.Field)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"field": f, "rotated": rotated})
}

func (h *CryptoHandler) keyFor(c echo.Context, hexKey string) ([]byte, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "key must be hex encoded")
		}
		return key, nil
	}
	actor := auth.ActorFrom(c)
	if !actor.Authenticated() {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication or an explicit key is required")
	}
	return h.svc.keys.For(actor.Credential, actor.UserAgent), nil
}

func (h *CryptoHandler) fail(err error) error {
	kind := policy.KindOf(err)
	h.logger.Warn().Str("code", string(kind)).Err(err).Msg("crypto request failed")
	return echo.NewHTTPError(policy.HTTPStatus(err), map[string]string{
		"code":    string(kind),
		"message": userMessage(kind),
	})
}

func userMessage(kind policy.Kind) string {
	switch kind {
	case policy.KindDecryption:
		return "value could not be decrypted"
	case policy.KindEncryption:
		return "value could not be encrypted"
	case policy.KindValidation:
		return "invalid request"
	}
	return "internal error"
}
