package http

import (
	"encoding/xml"
	"net/http"
)

const xrdContentType = "application/xrd+xml"

// Link relations advertised in host-meta.
const (
	RelTokenEndpoint     = "token_endpoint"
	RelAuthorizeEndpoint = "authorization_endpoint"
	RelMessagesEndpoint  = "messages_endpoint"
)

// HostMeta is the XRD document served at /.well-known/host-meta.
type HostMeta struct {
	XMLName xml.Name  `xml:"http://docs.oasis-open.org/ns/xri/xrd-1.0 XRD"`
	Links   []XRDLink `xml:"Link"`
}

type XRDLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func (h *Handler) handleGreeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write([]byte("Backplane server v2. Discovery: /.well-known/host-meta\n"))
}

func (h *Handler) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	base := "https://" + h.serverDomain + "/v2"
	doc := HostMeta{Links: []XRDLink{
		{Rel: RelTokenEndpoint, Href: base + "/token"},
		{Rel: RelAuthorizeEndpoint, Href: base + "/authorize"},
		{Rel: RelMessagesEndpoint, Href: base + "/messages"},
	}}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xrdContentType)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}
