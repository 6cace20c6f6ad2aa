package model

import (
	"fmt"
	"strconv"
	"strings"
)

// orderTokenPrefix は注文トークンの固定プレフィックス。
const orderTokenPrefix = "user_"

// FormatOrderToken はユーザーIDを埋め込んだ注文トークン（user_<id>_<nonce>）を生成する。
// nonceが空の場合は user_<id> を返す。
func FormatOrderToken(userID int64, nonce string) string {
	if nonce == "" {
		return orderTokenPrefix + strconv.FormatInt(userID, 10)
	}
	return fmt.Sprintf("%s%d_%s", orderTokenPrefix, userID, nonce)
}

// ParseOrderToken は注文トークンからユーザーIDを取り出す。
// user_<id> と user_<id>_<nonce> の両形式を受け付ける。
// IDはFormatOrderTokenが出力する10進表記に限り、符号や先頭の0は拒否する。
// 解析できない場合はErrMalformedInputをラップしたエラーを返す。
func ParseOrderToken(token string) (int64, error) {
	rest, ok := strings.CutPrefix(token, orderTokenPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: order token must start with %q: %q", ErrMalformedInput, orderTokenPrefix, token)
	}

	idPart, _, _ := strings.Cut(rest, "_")
	if !canonicalDecimal(idPart) {
		return 0, fmt.Errorf("%w: invalid user id in order token %q", ErrMalformedInput, token)
	}
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid user id in order token %q", ErrMalformedInput, token)
	}

	return userID, nil
}

// canonicalDecimal はsが先頭0なしの正の10進数字列かどうかを返す。
func canonicalDecimal(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
