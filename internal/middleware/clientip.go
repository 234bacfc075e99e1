package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NewClientIPMiddleware はリクエストの接続元アドレスを確定するミドルウェアを返す。
//
// 直前のピアがtrustedに含まれる場合に限り、X-Forwarded-Forを右から辿って
// 最初に見つかった信用範囲外のアドレスをRemoteAddrに設定する。
// それ以外のピアからのX-Forwarded-For・X-Real-IP・True-Client-IPは無視する。
func NewClientIPMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClient(r, trusted); ok {
				r.RemoteAddr = net.JoinHostPort(ip.String(), "0")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted []netip.Prefix) (netip.Addr, bool) {
	peer, ok := parseHost(r.RemoteAddr)
	if !ok || !containsAddr(trusted, peer) {
		return netip.Addr{}, false
	}

	// 複数のX-Forwarded-Forヘッダーは連結して一つのリストとして扱う
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// 解析できない値より左は偽装の可能性があるため、ここで打ち切る
			return netip.Addr{}, false
		}
		addr = addr.Unmap()
		if !containsAddr(trusted, addr) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func parseHost(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
