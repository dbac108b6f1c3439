// Package reg implements the client for the registry v2 API, used to
// pull and push manifests and blobs.
package reg

import (
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/config"
	"github.com/dierbei/imagesync/internal/reghttp"
)

// Reg is a registry client.
type Reg struct {
	reghttp *reghttp.Client
	log     *logrus.Logger
}

type regOpts struct {
	hosts      []*config.Host
	hostFn     func(string) *config.Host
	httpClient *http.Client
	userAgent  string
	log        *logrus.Logger
}

// Opts provides options to access registries.
type Opts func(*regOpts)

// New returns a Reg pointer with any provided options.
func New(opts ...Opts) *Reg {
	ro := regOpts{
		log: &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(&ro)
	}
	rhOpts := []reghttp.Opts{
		reghttp.WithLog(ro.log),
	}
	if ro.hostFn != nil {
		rhOpts = append(rhOpts, reghttp.WithConfigHostFn(ro.hostFn))
	} else if ro.hosts != nil {
		rhOpts = append(rhOpts, reghttp.WithConfigHosts(ro.hosts))
	}
	if ro.httpClient != nil {
		rhOpts = append(rhOpts, reghttp.WithHTTPClient(ro.httpClient))
	}
	if ro.userAgent != "" {
		rhOpts = append(rhOpts, reghttp.WithUserAgent(ro.userAgent))
	}
	return &Reg{
		reghttp: reghttp.NewClient(rhOpts...),
		log:     ro.log,
	}
}

// WithConfigHosts adds host configs for credentials and TLS settings.
func WithConfigHosts(hosts []*config.Host) Opts {
	return func(ro *regOpts) {
		ro.hosts = hosts
	}
}

// WithConfigHostFn adds a function to return the config for a host.
func WithConfigHostFn(gch func(string) *config.Host) Opts {
	return func(ro *regOpts) {
		ro.hostFn = gch
	}
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Opts {
	return func(ro *regOpts) {
		ro.httpClient = hc
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Opts {
	return func(ro *regOpts) {
		ro.userAgent = ua
	}
}

// WithLog injects a logrus Logger.
func WithLog(log *logrus.Logger) Opts {
	return func(ro *regOpts) {
		ro.log = log
	}
}
