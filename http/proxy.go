package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/challenge"
)

const (
	HeaderUserID            = "X-User-Id"
	HeaderUserWallet        = "X-User-Wallet-Address"
	HeaderPayment           = "X-Payment"
	HeaderURL               = "Url"
	HeaderSponsorRedemption = "X-Sponsor-Redemption-Id"
	HeaderSponsorTxHash     = "X-Sponsor-Transaction-Hash"
	HeaderSponsorAmount     = "X-Sponsor-Amount"
)

// hopHeaders are connection-scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// reframedHeaders describe the upstream framing, which no longer holds once
// the body is re-streamed
var reframedHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Transfer-Encoding",
}

// proxyOnlyHeaders are addressed to the proxy, not the upstream
var proxyOnlyHeaders = []string{
	HeaderUserID,
	HeaderUserWallet,
	HeaderPayment,
	// The transport negotiates and decodes compression itself
	"Accept-Encoding",
	"Content-Length",
}

// proxy forwards the request to the resource. A 402 is retried with the
// caller's X-Payment when there is one; otherwise the challenge is offered to
// the sponsorship service and passed through, annotated when a sponsor
// funded the user's wallet.
func (s *Server) proxy(c *gin.Context) {
	ctx := c.Request.Context()
	resourceID := c.Param("resourceId")

	target, err := s.resolveTarget(ctx, resourceID, c.Param("path"), c.Request.URL.RawQuery)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": errCodeInvalidRequest, "message": "request body too large"})
			return
		}
		badRequest(c, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	logger := s.logger.With("resource", resourceID, "target", target)
	resp, err := s.forward(ctx, c.Request, target, body, "")
	if err != nil {
		s.upstreamUnreachable(c, target, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		s.passThrough(c, target, resp, resp.Body, nil)
		return
	}

	if payment := c.GetHeader(HeaderPayment); payment != "" {
		paid, err := s.forward(ctx, c.Request, target, body, payment)
		if err != nil {
			s.upstreamUnreachable(c, target, err)
			return
		}
		defer paid.Body.Close()
		s.passThrough(c, target, paid, paid.Body, nil)
		return
	}

	challengeBody, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	if err != nil {
		s.upstreamUnreachable(c, target, err)
		return
	}
	// Only the prefix is parsed; the client still receives the whole body
	original := io.MultiReader(bytes.NewReader(challengeBody), resp.Body)

	parsed, err := challenge.Parse(resp.StatusCode, challengeBody)
	if err != nil {
		logger.Debug("passing through unparseable challenge", "error", err)
		s.passThrough(c, target, resp, original, nil)
		return
	}

	decision := s.sponsorship.SponsorChallenge(ctx, payload.ChallengeRequest{
		ResourceID:    resourceID,
		UserID:        c.GetHeader(HeaderUserID),
		WalletAddress: c.GetHeader(HeaderUserWallet),
		Challenge:     parsed,
	})
	s.passThrough(c, target, resp, original, decision)
}

// resolveTarget builds the upstream URL. A resource id that is itself an
// http(s) URL is the base; anything else is looked up in the catalog.
func (s *Server) resolveTarget(ctx context.Context, resourceID, path, rawQuery string) (string, error) {
	base := resourceID
	if !isHTTPURL(resourceID) {
		if s.catalog == nil {
			return "", fmt.Errorf("%w: %s", payload.ErrResourceNotFound, resourceID)
		}
		resource, err := s.catalog.Lookup(ctx, resourceID)
		if err != nil {
			return "", err
		}
		base = resource.URL
		if !isHTTPURL(base) {
			return "", fmt.Errorf("%w: %s has no http url", payload.ErrResourceNotFound, resourceID)
		}
	}

	target := base
	if path != "" && path != "/" {
		target = strings.TrimRight(base, "/") + path
	}
	if rawQuery != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + rawQuery
	}
	return target, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (s *Server) forward(ctx context.Context, in *http.Request, target string, body []byte, payment string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, in.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range in.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	for _, h := range proxyOnlyHeaders {
		req.Header.Del(h)
	}
	if payment != "" {
		req.Header.Set(HeaderPayment, payment)
	}
	return s.client.Do(req)
}

// passThrough relays the upstream response with its headers, minus framing
// headers, plus the resolved target and any sponsorship annotations
func (s *Server) passThrough(c *gin.Context, target string, resp *http.Response, body io.Reader, decision *payload.SponsorshipDecision) {
	header := c.Writer.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	for _, h := range reframedHeaders {
		header.Del(h)
	}
	header.Set(HeaderURL, target)

	if decision != nil && decision.Sponsored {
		if decision.Redemption != nil {
			header.Set(HeaderSponsorRedemption, decision.Redemption.ID)
		}
		if decision.TransactionHash != "" {
			header.Set(HeaderSponsorTxHash, decision.TransactionHash)
		}
		if decision.Coverage != nil {
			header.Set(HeaderSponsorAmount, decision.Coverage.SponsorAmount.String())
		}
	}

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, body); err != nil {
		s.logger.Debug("client went away during response copy", "target", target, "error", err)
	}
}

func (s *Server) upstreamUnreachable(c *gin.Context, target string, err error) {
	s.logger.Warn("upstream unreachable", "target", target, "error", err)
	c.Header(HeaderURL, target)
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
		"error":   payload.ErrCodeUpstreamUnreachable,
		"message": err.Error(),
	})
}
