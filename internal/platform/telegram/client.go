// Package telegram is a minimal Bot API client for on-call notifications.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

type Client struct {
	Token      string
	baseURL    string
	httpClient *http.Client
}

func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, DefaultBaseURL)
}

func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		Token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.Token, method)
}

type sendMessageReq struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage posts plain text; Markdown is left off so symptom text needs
// no escaping.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	jsonBody, err := json.Marshal(sendMessageReq{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendMessage"), bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "send telegram message")
}

// SendDocument uploads fileData as a document with an optional caption.
func (c *Client) SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName, caption string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("document", fileName)
	if err != nil {
		return err
	}
	if _, err := part.Write(fileData); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendDocument"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, "send telegram document")
}

// Ping calls getMe to check the token and reachability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("getMe"), nil)
	if err != nil {
		return err
	}
	return c.do(req, "call telegram getMe")
}

func (c *Client) do(req *http.Request, what string) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Telegram explains failures in the body.
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("telegram api returned status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return nil
}
