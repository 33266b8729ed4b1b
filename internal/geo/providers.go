package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Adapter 把提供方的响应体解析为 Record。只需填充 Timezone/Country/City/UTCOffset/IP。
type Adapter func(body []byte) (Record, error)

// Provider 是一个地理定位提供方: GET URLTemplate ({ip} 会被替换) 并用 Adapter 解析。
type Provider struct {
	Name        string
	URLTemplate string
	Adapter     Adapter
}

func (p Provider) url(ip string) string {
	return strings.ReplaceAll(p.URLTemplate, "{ip}", ip)
}

// builtinProviders 是内置提供方, 顺序由配置决定。
var builtinProviders = map[string]Provider{
	"ipapi": {
		Name:        "ipapi",
		URLTemplate: "http://ip-api.com/json/{ip}?fields=status,message,country,city,timezone,offset,query",
		Adapter:     adaptIPAPI,
	},
	"ipwhois": {
		Name:        "ipwhois",
		URLTemplate: "https://ipwho.is/{ip}",
		Adapter:     adaptIPWhois,
	},
	"ipapico": {
		Name:        "ipapico",
		URLTemplate: "https://ipapi.co/{ip}/json/",
		Adapter:     adaptIPAPICo,
	},
	"ipinfo": {
		Name:        "ipinfo",
		URLTemplate: "https://ipinfo.io/{ip}/json",
		Adapter:     adaptIPInfo,
	},
}

// AdapterByName 返回内置的响应适配器。
func AdapterByName(name string) (Adapter, bool) {
	p, ok := builtinProviders[name]
	return p.Adapter, ok
}

// ProvidersByName 按名称顺序构建提供方列表, 未知名称被忽略。
func ProvidersByName(names []string) []Provider {
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		if p, ok := builtinProviders[strings.TrimSpace(n)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ip-api.com: {"status":"success","country":"...","city":"...","timezone":"...","offset":3600,"query":"1.2.3.4"}
func adaptIPAPI(body []byte) (Record, error) {
	var r struct {
		Status   string `json:"status"`
		Message  string `json:"message"`
		Country  string `json:"country"`
		City     string `json:"city"`
		Timezone string `json:"timezone"`
		Offset   *int   `json:"offset"`
		Query    string `json:"query"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Record{}, err
	}
	if r.Status != "" && r.Status != "success" {
		return Record{}, fmt.Errorf("provider status %q: %s", r.Status, r.Message)
	}
	rec := Record{IP: r.Query, Country: r.Country, City: r.City, Timezone: r.Timezone}
	if r.Offset != nil {
		rec.UTCOffset = *r.Offset
	}
	return rec, nil
}

// ipwho.is: {"ip":"...","success":true,"country":"...","city":"...","timezone":{"id":"...","offset":3600}}
func adaptIPWhois(body []byte) (Record, error) {
	var r struct {
		IP       string `json:"ip"`
		Success  *bool  `json:"success"`
		Message  string `json:"message"`
		Country  string `json:"country"`
		City     string `json:"city"`
		Timezone struct {
			ID     string `json:"id"`
			Offset int    `json:"offset"`
		} `json:"timezone"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Record{}, err
	}
	if r.Success != nil && !*r.Success {
		return Record{}, fmt.Errorf("provider rejected lookup: %s", r.Message)
	}
	return Record{IP: r.IP, Country: r.Country, City: r.City, Timezone: r.Timezone.ID, UTCOffset: r.Timezone.Offset}, nil
}

// ipapi.co: {"ip":"...","country_name":"...","city":"...","timezone":"...","utc_offset":"+0100"}
func adaptIPAPICo(body []byte) (Record, error) {
	var r struct {
		IP          string `json:"ip"`
		Error       bool   `json:"error"`
		Reason      string `json:"reason"`
		CountryName string `json:"country_name"`
		City        string `json:"city"`
		Timezone    string `json:"timezone"`
		UTCOffset   string `json:"utc_offset"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Record{}, err
	}
	if r.Error {
		return Record{}, fmt.Errorf("provider error: %s", r.Reason)
	}
	rec := Record{IP: r.IP, Country: r.CountryName, City: r.City, Timezone: r.Timezone}
	if off, err := parseHHMM(r.UTCOffset); err == nil {
		rec.UTCOffset = off
	}
	return rec, nil
}

// ipinfo.io: {"ip":"...","city":"...","country":"DE","timezone":"Europe/Berlin"}
func adaptIPInfo(body []byte) (Record, error) {
	var r struct {
		IP       string `json:"ip"`
		City     string `json:"city"`
		Country  string `json:"country"`
		Timezone string `json:"timezone"`
		Bogon    bool   `json:"bogon"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Record{}, err
	}
	if r.Bogon {
		return Record{}, errors.New("bogon address")
	}
	return Record{IP: r.IP, Country: r.Country, City: r.City, Timezone: r.Timezone}, nil
}

// parseHHMM 解析 "+0530" / "-0800" 形式的偏移, 返回秒。
func parseHHMM(s string) (int, error) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("bad offset %q", s)
	}
	h, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(s[3:5])
	if err != nil {
		return 0, err
	}
	off := h*3600 + m*60
	if s[0] == '-' {
		off = -off
	}
	return off, nil
}
