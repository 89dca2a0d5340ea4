// Package auth verifies the Telegram WebApp initData a client connects with.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-chessroom/internal/room"
)

// WebAppUser is the "user" field of initData.
type WebAppUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

type InitData struct {
	QueryID    string
	User       *WebAppUser
	StartParam string
	ChatType   string
	AuthDate   time.Time
	Hash       string
}

// ParseInitData decodes raw initData. With validate set, the hash must match
// HMAC-SHA256 of the sorted data-check string keyed by
// HMAC-SHA256("WebAppData", botToken).
func ParseInitData(raw, botToken string, validate bool) (*InitData, error) {
	params, err := url.ParseQuery(raw)
	if err != nil {
		return nil, room.NewError(room.KindAuth, "malformed initData")
	}

	if validate {
		if err := verify(params, botToken); err != nil {
			return nil, err
		}
	}

	out := &InitData{
		QueryID:    params.Get("query_id"),
		StartParam: params.Get("start_param"),
		ChatType:   params.Get("chat_type"),
		Hash:       params.Get("hash"),
	}
	if v := params.Get("auth_date"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			out.AuthDate = time.Unix(sec, 0)
		}
	}
	if v := params.Get("user"); v != "" {
		var u WebAppUser
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			return nil, room.NewError(room.KindAuth, "malformed user in initData")
		}
		out.User = &u
	}
	return out, nil
}

func verify(params url.Values, botToken string) error {
	provided := params.Get("hash")
	if provided == "" {
		return room.NewError(room.KindAuth, `"hash" parameter is not present in initData`)
	}
	want, err := hex.DecodeString(provided)
	if err != nil {
		return room.NewError(room.KindAuth, "hash mismatch")
	}
	if !hmac.Equal(want, sign(dataCheckString(params), botToken)) {
		return room.NewError(room.KindAuth, "hash mismatch")
	}
	return nil
}

func dataCheckString(params url.Values) string {
	pairs := make([]string, 0, len(params))
	for key, values := range params {
		if key == "hash" {
			continue
		}
		for _, v := range values {
			pairs = append(pairs, key+"="+v)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\n")
}

func sign(data, botToken string) []byte {
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// Sign returns the hex hash a valid initData carrying values would have.
func Sign(values url.Values, botToken string) string {
	return hex.EncodeToString(sign(dataCheckString(values), botToken))
}

// Identity extracts the connecting user and target room.
func (d *InitData) Identity() (room.User, string, error) {
	if strings.TrimSpace(d.StartParam) == "" {
		return room.User{}, "", room.NewError(room.KindAuth, `launched with no "startapp" param`)
	}
	if d.User == nil || d.User.ID == 0 {
		return room.User{}, "", room.NewError(room.KindAuth, "information about the user was not provided")
	}
	return d.User.RoomUser(), d.StartParam, nil
}

// RoomUser converts the Telegram identity. The avatar is resolved later.
func (u WebAppUser) RoomUser() room.User {
	return room.User{
		ID:           strconv.FormatInt(u.ID, 10),
		FullName:     JoinFullName(u.FirstName, u.LastName),
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
	}
}

func JoinFullName(first, last string) string {
	if last == "" {
		return first
	}
	return fmt.Sprintf("%s %s", first, last)
}
