package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/hitoshi/gatekeeper/internal/model"
)

// SignatureHeader はNOWPaymentsがIPN通知の署名を格納するヘッダー名。
const SignatureHeader = "x-nowpayments-sig"

// Canonicalize はJSONオブジェクトの本文を署名計算用の正規形に変換する。
// 正規形はキーを辞書順に並べ替え（ネストしたオブジェクトも含む）、余分な空白を含まない
// コンパクトなJSONで、決済プロバイダ側の署名実装と同じ表記に揃える。
//
//   - 0x7F以上の文字は\uXXXX（BMP外はサロゲートペア）でエスケープする
//   - <>&はエスケープしない
//   - 整数はそのまま、小数と指数表記は最短の浮動小数点表記（12.50→12.5、1E5→100000.0）
//
// 本文がJSONオブジェクトでない場合はErrMalformedInputをラップしたエラーを返す。
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object: %v", model.ErrMalformedInput, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: body is null", model.ErrMalformedInput)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", model.ErrMalformedInput)
	}

	if err := normalizeNumbers(payload); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("%w: failed to encode canonical form: %v", model.ErrMalformedInput, err)
	}

	return escapeNonASCII(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// normalizeNumbers はオブジェクトと配列を辿り、数値を正規形の表記に置き換える。
func normalizeNumbers(v any) error {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			if n, ok := e.(json.Number); ok {
				c, err := canonicalNumber(n)
				if err != nil {
					return err
				}
				x[k] = c
				continue
			}
			if err := normalizeNumbers(e); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range x {
			if n, ok := e.(json.Number); ok {
				c, err := canonicalNumber(n)
				if err != nil {
					return err
				}
				x[i] = c
				continue
			}
			if err := normalizeNumbers(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func canonicalNumber(n json.Number) (json.Number, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			return "0", nil
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("%w: number out of range: %s", model.ErrMalformedInput, s)
	}
	return json.Number(formatFloat(f)), nil
}

// formatFloat は最短の桁で浮動小数点数を表記する。
// 小数点の位置が-4より大きく16以下なら固定小数点（整数値には.0を付ける）、それ以外は指数表記。
func formatFloat(f float64) string {
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	// d.ddde±XX
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expPart, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expPart)
	digits := strings.Replace(mant, ".", "", 1)
	point := exp + 1

	switch {
	case point > -4 && point <= 0:
		return sign + "0." + strings.Repeat("0", -point) + digits
	case point > 0 && point <= 16:
		if point >= len(digits) {
			return sign + digits + strings.Repeat("0", point-len(digits)) + ".0"
		}
		return sign + digits[:point] + "." + digits[point:]
	}

	out := sign + digits[:1]
	if len(digits) > 1 {
		out += "." + digits[1:]
	}
	expSign := '+'
	if exp < 0 {
		expSign = '-'
		exp = -exp
	}
	return fmt.Sprintf("%se%c%02d", out, expSign, exp)
}

// escapeNonASCII は0x7F以上の文字を\uXXXXに置き換える。
// エンコード後のJSONでは非ASCII文字は文字列内にしか現れない。
func escapeNonASCII(b []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(b))
	for len(b) > 0 {
		if b[0] < utf8.RuneSelf && b[0] != 0x7F {
			out.WriteByte(b[0])
			b = b[1:]
			continue
		}
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, "\\u%04x\\u%04x", hi, lo)
			continue
		}
		fmt.Fprintf(&out, "\\u%04x", r)
	}
	return out.Bytes()
}

// Sign は正規形に対するHMAC-SHA512を16進小文字で返す。
func Sign(canonical []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify は本文の正規形に対する署名が一致するかを定数時間で比較する。
// 本文が解析できない場合や署名が16進でない場合はfalseを返す。
func Verify(rawBody []byte, signature, secret string) bool {
	canonical, err := Canonicalize(rawBody)
	if err != nil {
		return false
	}
	return verifyCanonical(canonical, signature, secret)
}

func verifyCanonical(canonical []byte, signature, secret string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha512.Size {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hmac.Equal(got, mac.Sum(nil))
}

// Verifier はIPNシークレットを保持し、受信した通知の真正性を検証する。
type Verifier struct {
	secret string
}

// NewVerifier はVerifierを生成する。
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Check は本文と署名を検証する。
// 本文または署名が欠落・解析不能の場合はErrMalformedInput、
// 署名が一致しない場合はErrAuthenticationFailureをラップしたエラーを返す。
func (v *Verifier) Check(rawBody []byte, signature string) error {
	if len(bytes.TrimSpace(rawBody)) == 0 || strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: missing body or signature", model.ErrMalformedInput)
	}

	canonical, err := Canonicalize(rawBody)
	if err != nil {
		return err
	}

	if !verifyCanonical(canonical, signature, v.secret) {
		return fmt.Errorf("%w: signature mismatch", model.ErrAuthenticationFailure)
	}
	return nil
}
