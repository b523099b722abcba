package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"posqueue/internal/model"
)

const maxErrorBody = 512

// HTTPSubmitter 通过后台 REST 接口提交交易
//
//	2xx        成功，响应体中的 transaction_id 作为服务端交易号
//	409        冲突，响应体原样作为冲突详情
//	400 / 422  拒绝，不再重试
//	其他       临时失败
type HTTPSubmitter struct {
	Endpoint string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

func NewHTTPSubmitter(endpoint, apiKey, deviceID string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		Endpoint: endpoint,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, rec *model.TransactionRecord) (Outcome, error) {
	body, err := EncodePayload(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	if s.DeviceID != "" {
		req.Header.Set("X-Device-ID", s.DeviceID)
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("submit %s: %w", rec.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed submitResponse
		if len(respBody) > 0 {
			_ = json.Unmarshal(respBody, &parsed)
		}
		return Success(parsed.TransactionID), nil
	case resp.StatusCode == http.StatusConflict:
		return Conflict(respBody), nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Rejected(describe(resp.StatusCode, respBody)), nil
	}
	return TransientFailure(describe(resp.StatusCode, respBody)), nil
}

func describe(status int, body []byte) string {
	var parsed submitResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, parsed.Message)
	}
	if len(body) > maxErrorBody {
		n := maxErrorBody
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n]
	}
	if len(body) == 0 {
		return fmt.Sprintf("HTTP %d", status)
	}
	return fmt.Sprintf("HTTP %d: %s", status, bytes.TrimSpace(body))
}
