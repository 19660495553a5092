package wg_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/itsChris/wgsync/internal/wg"
)

const (
	testPrivateHex = "e84b5a6d2717c1003a13b431570353dbaca9146cf150c5f8575680feba52027a"
	testPeerHex    = "b85996fecc9c7f1fc6d2572a76eda11d59bcd20be8e543b15ce4bd85a8e75a33"
	testPSKHex     = "188515093e952f5f22e865cef3012e72f8b5f0b598ac0309d5dacce3b70fcf52"
)

func TestParsePrivateKey_Encodings(t *testing.T) {
	raw, _ := hex.DecodeString(testPrivateHex)
	b64 := wgtypes.Key(raw).String()

	fromHex, err := wg.ParsePrivateKey(testPrivateHex)
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	fromB64, err := wg.ParsePrivateKey(b64)
	if err != nil {
		t.Fatalf("parse base64: %v", err)
	}
	if !fromHex.Equal(fromB64) {
		t.Error("hex and base64 encodings decoded to different keys")
	}
	if !bytes.Equal(fromHex.Bytes(), raw) {
		t.Error("already-clamped key was modified")
	}
}

func TestParsePrivateKey_ClampsInsteadOfRejecting(t *testing.T) {
	raw := bytes.Repeat([]byte{0xff}, wg.KeyLen)
	k, err := wg.ParsePrivateKey(hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("unclamped key rejected: %v", err)
	}
	b := k.Bytes()
	if b[0]&7 != 0 {
		t.Errorf("low bits not cleared: %08b", b[0])
	}
	if b[31]&0x80 != 0 || b[31]&0x40 == 0 {
		t.Errorf("high bits not clamped: %08b", b[31])
	}
}

func TestParseKey_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"short base64", "AAAA"},
		{"bad base64", strings.Repeat("!", 43) + "="},
		{"missing padding", strings.Repeat("A", 44)},
		{"bad hex", strings.Repeat("zz", 32)},
		{"33 bytes hex", strings.Repeat("ab", 33)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := wg.ParsePresharedKey(tt.input); !errors.Is(err, wg.InvalidKey) {
				t.Errorf("ParsePresharedKey(%q) error = %v, want InvalidKey", tt.input, err)
			}
			if _, err := wg.ParsePublicKey(tt.input); !errors.Is(err, wg.InvalidKey) {
				t.Errorf("ParsePublicKey(%q) error = %v, want InvalidKey", tt.input, err)
			}
		})
	}
}

func TestParsePrivateKey_RejectsZero(t *testing.T) {
	_, err := wg.ParsePrivateKey(strings.Repeat("00", 32))
	if !errors.Is(err, wg.InvalidKey) {
		t.Fatalf("error = %v, want InvalidKey", err)
	}
}

func TestPublicKey_MatchesWgtypes(t *testing.T) {
	ref, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	k, err := wg.ParsePrivateKey(ref.String())
	if err != nil {
		t.Fatal(err)
	}
	defer k.Wipe()

	want := ref.PublicKey()
	if got := k.PublicKey(); got.String() != want.String() {
		t.Errorf("PublicKey() = %s, want %s", got, want)
	}
}

func TestPublicKey_TextRoundTrip(t *testing.T) {
	pub, err := wg.ParsePublicKey(testPeerHex)
	if err != nil {
		t.Fatal(err)
	}
	if pub.Hex() != testPeerHex {
		t.Errorf("Hex() = %s, want %s", pub.Hex(), testPeerHex)
	}
	text, _ := pub.MarshalText()
	var back wg.PublicKey
	if err := back.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if back != pub {
		t.Error("base64 text did not decode to the same key")
	}
}

func TestSecretKey_Wipe(t *testing.T) {
	k, err := wg.ParsePresharedKey(testPSKHex)
	if err != nil {
		t.Fatal(err)
	}
	backing := k.Bytes()
	k.Wipe()

	if !bytes.Equal(backing, make([]byte, wg.KeyLen)) {
		t.Errorf("backing memory still holds %x after Wipe", backing)
	}
	if !k.IsZero() {
		t.Error("IsZero() = false after Wipe")
	}
	k.Wipe()

	var nilKey *wg.SecretKey
	nilKey.Wipe()
}

func TestSecretKey_CloneIsIndependent(t *testing.T) {
	k, _ := wg.ParsePresharedKey(testPSKHex)
	c := k.Clone()
	k.Wipe()
	if c.IsZero() {
		t.Error("wiping the original wiped the clone")
	}
	if hex.EncodeToString(c.Bytes()) != testPSKHex {
		t.Error("clone does not hold the original bytes")
	}
	c.Wipe()
}

func TestSecretKey_NeverFormatted(t *testing.T) {
	k, _ := wg.ParsePrivateKey(testPrivateHex)
	defer k.Wipe()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	logger.Info("test", "key", k)

	outputs := []string{
		fmt.Sprint(k),
		fmt.Sprintf("%v %+v %#v %s", k, k, k, k),
		logs.String(),
	}
	b64 := wgtypes.Key(k.Bytes()).String()
	for _, out := range outputs {
		if strings.Contains(out, testPrivateHex) || strings.Contains(out, b64) {
			t.Errorf("secret leaked in %q", out)
		}
	}
	if !strings.Contains(logs.String(), "[redacted]") {
		t.Errorf("log output = %s, want [redacted]", logs.String())
	}
}

func TestSecretBuffer_WipesGrownAndFinalMemory(t *testing.T) {
	k, _ := wg.ParsePresharedKey(testPSKHex)
	defer k.Wipe()

	buf := wg.NewSecretBuffer(8)
	buf.WriteString("preshared_key=")
	first := buf.Bytes()[:cap(buf.Bytes())]

	buf.AppendSecretHex(k)
	if got := string(buf.Bytes()); got != "preshared_key="+testPSKHex {
		t.Fatalf("buffer = %q", got)
	}
	if !bytes.Equal(first, make([]byte, len(first))) {
		t.Errorf("old backing array not wiped on grow: %q", first)
	}

	final := buf.Bytes()[:cap(buf.Bytes())]
	buf.Wipe()
	if !bytes.Equal(final, make([]byte, len(final))) {
		t.Errorf("buffer not wiped: %q", final)
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d after Wipe", buf.Len())
	}
}

func TestGenerateKeys(t *testing.T) {
	priv, err := wg.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	defer priv.Wipe()
	psk, err := wg.GeneratePresharedKey()
	if err != nil {
		t.Fatal(err)
	}
	defer psk.Wipe()

	if priv.IsZero() || psk.IsZero() {
		t.Fatal("generated an all-zero key")
	}
	if priv.PublicKey().IsZero() {
		t.Error("derived public key is zero")
	}
	b := priv.Bytes()
	if b[0]&7 != 0 || b[31]&0x80 != 0 || b[31]&0x40 == 0 {
		t.Error("generated private key is not clamped")
	}
}
