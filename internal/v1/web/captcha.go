package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-live/linkplay/internal/v1/logging"
)

const geetestValidateURL = "https://gcaptcha4.geetest.com/validate"

// GeetestVerifier checks login captcha tokens against the Geetest v4
// server-side validation endpoint.
type GeetestVerifier struct {
	captchaID string
	key       string
	endpoint  string
	http      *http.Client
}

// NewGeetestVerifier builds a verifier for the given captcha id and key.
func NewGeetestVerifier(captchaID, key string) *GeetestVerifier {
	return &GeetestVerifier{
		captchaID: captchaID,
		key:       key,
		endpoint:  geetestValidateURL,
		http:      &http.Client{Timeout: 5 * time.Second},
	}
}

// geetestToken is the client-side widget result, passed through as JSON.
type geetestToken struct {
	LotNumber     string `json:"lot_number"`
	CaptchaOutput string `json:"captcha_output"`
	PassToken     string `json:"pass_token"`
	GenTime       string `json:"gen_time"`
}

// Verify validates one widget result. An unreachable validation service
// releases the gate instead of locking every operator out.
func (g *GeetestVerifier) Verify(ctx context.Context, token, clientIP string) error {
	var t geetestToken
	if err := json.Unmarshal([]byte(token), &t); err != nil || t.LotNumber == "" {
		return errors.New("malformed captcha token")
	}

	mac := hmac.New(sha256.New, []byte(g.key))
	mac.Write([]byte(t.LotNumber))
	sign := hex.EncodeToString(mac.Sum(nil))

	form := url.Values{
		"lot_number":     {t.LotNumber},
		"captcha_output": {t.CaptchaOutput},
		"pass_token":     {t.PassToken},
		"gen_time":       {t.GenTime},
		"sign_token":     {sign},
	}
	endpoint := g.endpoint + "?captcha_id=" + url.QueryEscape(g.captchaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.http.Do(req)
	if err != nil {
		logging.Warn(ctx, "captcha validation unreachable",
			zap.String("client_ip", clientIP), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	var out struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding captcha validation response: %w", err)
	}
	if out.Result != "success" {
		return fmt.Errorf("captcha rejected: %s", out.Reason)
	}
	return nil
}
