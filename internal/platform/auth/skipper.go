package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are infrastructure and discovery endpoints reachable without
// credentials.
var publicPaths = map[string]bool{
	"/ping":         true,
	"/health":       true,
	"/metrics":      true,
	"/cds-services": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path is a public endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
