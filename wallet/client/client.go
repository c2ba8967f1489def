// Package client talks to a Cashu mint over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut01"
	"github.com/elnosh/nutpay/cashu/nuts/nut02"
	"github.com/elnosh/nutpay/cashu/nuts/nut03"
	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/cashu/nuts/nut06"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/cashu/nuts/nut09"
)

const defaultTimeout = 30 * time.Second

// StatusError is returned for non 200 responses that are not
// a mint protocol error.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("mint responded with status %v: %v", e.StatusCode, e.Body)
}

type Client struct {
	mintURL    string
	httpClient *http.Client
}

// New returns a client for mintURL. A nil httpClient uses
// a default client with a 30 second timeout.
func New(mintURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{mintURL: strings.TrimSuffix(mintURL, "/"), httpClient: httpClient}
}

func (c *Client) URL() string {
	return c.mintURL
}

func (c *Client) GetMintInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys/"+url.PathEscape(id), &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) PostMintQuoteBolt11(ctx context.Context, request nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var quoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, "/v1/mint/quote/bolt11", request, &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) GetMintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var quoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, "/v1/mint/quote/bolt11/"+url.PathEscape(quoteId), &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) PostMintBolt11(ctx context.Context, request nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	var mintResponse nut04.PostMintBolt11Response
	if err := c.post(ctx, "/v1/mint/bolt11", request, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func (c *Client) PostSwap(ctx context.Context, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", request, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func (c *Client) PostMeltQuoteBolt11(ctx context.Context, request nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/quote/bolt11", request, &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, "/v1/melt/quote/bolt11/"+url.PathEscape(quoteId), &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) PostMeltBolt11(ctx context.Context, request nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/bolt11", request, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *Client) PostCheckProofState(ctx context.Context, request nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	var stateResponse nut07.PostCheckStateResponse
	if err := c.post(ctx, "/v1/checkstate", request, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *Client) PostRestore(ctx context.Context, request nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {
	var restoreResponse nut09.PostRestoreResponse
	if err := c.post(ctx, "/v1/restore", request, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mintURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) post(ctx context.Context, path string, body, v any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mintURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := parse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

func parse(response *http.Response) error {
	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.NewDecoder(response.Body).Decode(&errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	if response.StatusCode != http.StatusOK {
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		return StatusError{StatusCode: response.StatusCode, Body: string(body)}
	}

	return nil
}
