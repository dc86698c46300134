// Package fiberadapter implements the transport contracts on top of a Fiber
// v3 context, so the session recipe can be used from Fiber handlers.
package fiberadapter

import (
	"net/http"
	"slices"

	"github.com/ggoodman/session-go/transport"
	"github.com/gofiber/fiber/v3"
)

// Exchange is both the request and response view of one Fiber context.
type Exchange struct {
	c fiber.Ctx
}

var (
	_ transport.Request  = (*Exchange)(nil)
	_ transport.Response = (*Exchange)(nil)
)

// Wrap returns the exchange view of c.
func Wrap(c fiber.Ctx) *Exchange { return &Exchange{c: c} }

// Ctx returns the wrapped Fiber context.
func (e *Exchange) Ctx() fiber.Ctx { return e.c }

func (e *Exchange) Header(name string) string { return e.c.Get(name) }

func (e *Exchange) Cookie(name string) string { return e.c.Cookies(name) }

func (e *Exchange) Method() string { return e.c.Method() }

func (e *Exchange) SetHeader(name, value string, allowDuplicate bool) {
	existing := e.c.GetRespHeader(name)
	if !allowDuplicate || existing == "" {
		e.c.Set(name, value)
		return
	}
	if slices.Contains(transport.SplitList(existing), value) {
		return
	}
	e.c.Set(name, existing+", "+value)
}

// SetCookie maps c onto a Fiber cookie. Fiber replaces an earlier cookie of
// the same name on the response.
func (e *Exchange) SetCookie(c *http.Cookie) {
	e.c.Cookie(&fiber.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Expires,
		MaxAge:   c.MaxAge,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		SameSite: sameSite(c.SameSite),
	})
}

func sameSite(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return fiber.CookieSameSiteStrictMode
	case http.SameSiteNoneMode:
		return fiber.CookieSameSiteNoneMode
	case http.SameSiteLaxMode:
		return fiber.CookieSameSiteLaxMode
	default:
		return fiber.CookieSameSiteDisabled
	}
}
