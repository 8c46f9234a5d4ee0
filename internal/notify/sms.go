package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const msg91BaseURL = "https://control.msg91.com/api/v5"

// SMSClient sends OTPs and transactional messages through the MSG91
// gateway.
type SMSClient struct {
	authKey    string
	templateID string
	baseURL    string
	client     *http.Client
}

type smsResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewSMSClient creates an MSG91 client.
func NewSMSClient(authKey, templateID string) *SMSClient {
	return &SMSClient{
		authKey:    authKey,
		templateID: templateID,
		baseURL:    msg91BaseURL,
		client:     &http.Client{},
	}
}

// Send delivers an OTP code to a mobile number.
func (c *SMSClient) Send(ctx context.Context, recipient, code string) error {
	if c.authKey == "" {
		return fmt.Errorf("SMS_AUTH_KEY not set")
	}

	params := url.Values{}
	params.Set("template_id", c.templateID)
	params.Set("mobile", recipient)
	params.Set("otp", code)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/otp?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("authkey", c.authKey)

	return c.do(req, recipient)
}

func (c *SMSClient) do(req *http.Request, recipient string) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("SMS request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read SMS response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SMS gateway error (%d): %s", resp.StatusCode, string(respBody))
	}

	var smsResp smsResponse
	if err := json.Unmarshal(respBody, &smsResp); err == nil && smsResp.Type == "error" {
		return fmt.Errorf("SMS delivery to %s failed: %s", recipient, smsResp.Message)
	}
	return nil
}
