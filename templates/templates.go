// Package templates renders Handlebars expressions inside suite fields
// (inputs, expected values, provider and server settings).
package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/agentcheck/agentcheck/logger"
)

const alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var registerOnce sync.Once

// Render parses and executes a Raymond template against ctx.
// Fields that fail to parse or execute are returned unchanged, so a
// literal "{" in a fixture never aborts a run.
func Render(input string, ctx map[string]string) string {
	RegisterHelpers()

	tmpl, err := raymond.Parse(input)
	if err != nil {
		logger.Logger.Debug("Template parse failed, using raw value", "error", err)
		return input
	}

	out, err := tmpl.Exec(ctx)
	if err != nil {
		logger.Logger.Debug("Template execution failed, using raw value", "error", err)
		return input
	}

	return out
}

// RenderAll renders every value of in against ctx.
func RenderAll(in map[string]string, ctx map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = Render(v, ctx)
	}
	return out
}

// RegisterHelpers installs the custom Handlebars helpers. Raymond keeps a
// global registry, so registration happens exactly once per process.
func RegisterHelpers() {
	registerOnce.Do(func() {
		raymond.RegisterHelper("randomValue", randomValueHelper)
		raymond.RegisterHelper("randomInt", randomIntHelper)
		raymond.RegisterHelper("now", nowHelper)
		raymond.RegisterHelper("faker", fakerHelper)
	})
}

func randomValueHelper(options *raymond.Options) string {
	if strings.EqualFold(options.HashStr("type"), "uuid") {
		return uuid.New().String()
	}

	length := 10
	if v := options.HashProp("length"); v != nil {
		length = toInt(v)
	}
	if length <= 0 {
		length = 10
	}

	result := make([]byte, length)
	charsetLen := big.NewInt(int64(len(alphanumericChars)))
	for i := range result {
		num, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return ""
		}
		result[i] = alphanumericChars[num.Int64()]
	}

	if raymond.IsTrue(options.HashProp("uppercase")) {
		return strings.ToUpper(string(result))
	}
	return string(result)
}

func randomIntHelper(options *raymond.Options) string {
	lower, upper := 0, 100
	if v := options.HashProp("lower"); v != nil {
		lower = toInt(v)
	}
	if v := options.HashProp("upper"); v != nil {
		upper = toInt(v)
	}
	if lower > upper {
		lower, upper = upper, lower
	}

	num, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
	if err != nil {
		return "0"
	}
	return fmt.Sprintf("%d", int(num.Int64())+lower)
}

func nowHelper(options *raymond.Options) string {
	now := time.Now().UTC()

	if offsetStr := options.HashStr("offset"); offsetStr != "" {
		if offset, err := time.ParseDuration(offsetStr); err == nil {
			now = now.Add(offset)
		}
	}

	switch format := options.HashStr("format"); format {
	case "unix":
		return fmt.Sprintf("%d", now.Unix())
	case "epoch":
		return fmt.Sprintf("%d", now.UnixMilli())
	case "":
		return now.Format(time.RFC3339)
	default:
		return now.Format(format)
	}
}

// fakerHelper exposes a small slice of gofakeit under stable keys, e.g.
// {{faker "Address.city"}} or {{faker "Finance.ticker"}}.
func fakerHelper(key string) string {
	f := gofakeit.New(0)

	switch key {
	case "Address.city":
		return f.City()
	case "Address.state":
		return f.State()
	case "Address.country":
		return f.Country()
	case "Name.full_name":
		return f.Name()
	case "Company.name":
		return f.Company()
	case "Internet.email":
		return f.Email()
	case "Finance.ticker":
		return strings.ToUpper(f.LetterN(4))
	case "Misc.uuid":
		return f.UUID()
	case "Misc.date":
		return f.Date().Format("2006-01-02")
	default:
		return ""
	}
}

func toInt(val interface{}) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
