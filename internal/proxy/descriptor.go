package proxy

import (
	"net"
	"net/url"
	"strconv"
)

// Scheme 是上游代理协议。
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

// Descriptor 是规范化后的上游代理描述。创建后不可变。
// port 在 [1,65535] 内; 用户名与密码要么同时存在, 要么同时为空。
type Descriptor struct {
	Scheme   Scheme `json:"scheme"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HasAuth 报告是否带有凭据。
func (d Descriptor) HasAuth() bool {
	return d.Username != ""
}

// Address 返回 host:port 形式的拨号地址。
func (d Descriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String 返回规范 URL 形式, 凭据会被百分号编码。
// Normalize(d.String(), "") 总是得到与 d 等价的描述。
func (d Descriptor) String() string {
	u := url.URL{Scheme: string(d.Scheme), Host: d.Address()}
	if d.HasAuth() {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	return u.String()
}

// Redacted 返回隐藏密码的 URL 形式, 用于日志。
func (d Descriptor) Redacted() string {
	u := url.URL{Scheme: string(d.Scheme), Host: d.Address()}
	if d.HasAuth() {
		u.User = url.UserPassword(d.Username, "xxxxx")
	}
	return u.String()
}

// URL 返回 *url.URL, 方便传给 http.Transport 等。
func (d Descriptor) URL() *url.URL {
	u, _ := url.Parse(d.String())
	return u
}
