package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elnosh/nutw/cashu"
	"github.com/elnosh/nutw/cashu/nuts/nut01"
	"github.com/elnosh/nutw/cashu/nuts/nut02"
	"github.com/elnosh/nutw/cashu/nuts/nut03"
	"github.com/elnosh/nutw/cashu/nuts/nut04"
	"github.com/elnosh/nutw/cashu/nuts/nut05"
	"github.com/elnosh/nutw/cashu/nuts/nut06"
	"github.com/elnosh/nutw/cashu/nuts/nut07"
	"github.com/elnosh/nutw/cashu/nuts/nut09"
)

// MintClient is the wallet's view of a mint. The manager and the
// watchers only talk to mints through it.
type MintClient interface {
	GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error)
	GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error)
	GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error)
	PostMintQuoteBolt11(ctx context.Context, mintURL string, request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	PostMintBolt11(ctx context.Context, mintURL string, request nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error)
	PostSwap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, mintURL string, request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, mintURL string, request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostCheckProofState(ctx context.Context, mintURL string, request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, mintURL string, request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

type httpMintClient struct {
	client *http.Client
}

func NewMintClient() MintClient {
	return &httpMintClient{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *httpMintClient) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, mintURL, "/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *httpMintClient) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL, "/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *httpMintClient) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, mintURL, "/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *httpMintClient) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL, "/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *httpMintClient) PostMintQuoteBolt11(ctx context.Context, mintURL string, request nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, mintURL, "/v1/mint/quote/bolt11", request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *httpMintClient) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, mintURL, "/v1/mint/quote/bolt11/"+quoteId, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *httpMintClient) PostMintBolt11(ctx context.Context, mintURL string, request nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	var mintRes nut04.PostMintBolt11Response
	if err := c.post(ctx, mintURL, "/v1/mint/bolt11", request, &mintRes); err != nil {
		return nil, err
	}
	return &mintRes, nil
}

func (c *httpMintClient) PostSwap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (
	*nut03.PostSwapResponse, error) {
	var swapRes nut03.PostSwapResponse
	if err := c.post(ctx, mintURL, "/v1/swap", request, &swapRes); err != nil {
		return nil, err
	}
	return &swapRes, nil
}

func (c *httpMintClient) PostMeltQuoteBolt11(ctx context.Context, mintURL string, request nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteRes nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL, "/v1/melt/quote/bolt11", request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *httpMintClient) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteRes nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, mintURL, "/v1/melt/quote/bolt11/"+quoteId, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *httpMintClient) PostMeltBolt11(ctx context.Context, mintURL string, request nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltRes nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL, "/v1/melt/bolt11", request, &meltRes); err != nil {
		return nil, err
	}
	return &meltRes, nil
}

func (c *httpMintClient) PostCheckProofState(ctx context.Context, mintURL string, request nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	var stateRes nut07.PostCheckStateResponse
	if err := c.post(ctx, mintURL, "/v1/checkstate", request, &stateRes); err != nil {
		return nil, err
	}
	return &stateRes, nil
}

func (c *httpMintClient) PostRestore(ctx context.Context, mintURL string, request nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {
	var restoreRes nut09.PostRestoreResponse
	if err := c.post(ctx, mintURL, "/v1/restore", request, &restoreRes); err != nil {
		return nil, err
	}
	return &restoreRes, nil
}

func (c *httpMintClient) get(ctx context.Context, mintURL, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mintURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, mintURL, result)
}

func (c *httpMintClient) post(ctx context.Context, mintURL, path string, request, result any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mintURL+path, bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, mintURL, result)
}

func (c *httpMintClient) do(req *http.Request, mintURL string, result any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Mint: mintURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.NewDecoder(resp.Body).Decode(&errResponse); err != nil {
			return &InvalidResponseError{
				Mint: mintURL,
				Err:  fmt.Errorf("could not decode error response: %v", err),
			}
		}
		return &errResponse
	}

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &InvalidResponseError{Mint: mintURL, Err: err}
		}
		return &InvalidResponseError{Mint: mintURL, Err: fmt.Errorf("%s", body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &InvalidResponseError{Mint: mintURL, Err: err}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return &InvalidResponseError{Mint: mintURL, Err: err}
	}
	return nil
}
