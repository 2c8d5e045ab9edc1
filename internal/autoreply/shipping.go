package autoreply

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/relaymesh/gateway/internal/transport"
)

const helpReply = "Maaf, saya tidak bisa mengecek ongkir saat ini. Format: cek ongkir <asal> ke <tujuan> [berat kg] [kurir]"

// shippingCommand pattern: "cek ongkir [dari] <origin> ke <destination> [<weight>kg] [<courier>]"
var shippingCommandRe = regexp.MustCompile(`(?i)^cek\s+ongkir\s+(?:dari\s+)?(.+?)\s+ke\s+(.+?)(?:\s+(\d+(?:\.\d+)?)\s*kg)?(?:\s+([a-zA-Z]+))?$`)

func parseShippingCommand(text string) (origin, destination string, weightGrams int, courier string, ok bool) {
	m := shippingCommandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", 0, "", false
	}
	origin = strings.TrimSpace(m[1])
	destination = strings.TrimSpace(m[2])
	weightKg := 1.0
	if m[3] != "" {
		if w, err := strconv.ParseFloat(m[3], 64); err == nil {
			weightKg = w
		}
	}
	courier = "jne"
	if m[4] != "" {
		courier = strings.ToLower(m[4])
	}
	return origin, destination, int(weightKg * 1000), courier, true
}

// ShippingResponder wraps a transport.ShippingProvider with a circuit
// breaker (SPEC_FULL.md §B.4), grounded on hieuntg81-alfred-ai's
// CircuitBreakerProvider pattern for external AI/cost collaborators.
type ShippingResponder struct {
	inner   transport.ShippingProvider
	breaker *gobreaker.CircuitBreaker[[]transport.ShippingQuote]
}

func NewShippingResponder(inner transport.ShippingProvider) *ShippingResponder {
	cb := gobreaker.NewCircuitBreaker[[]transport.ShippingQuote](gobreaker.Settings{
		Name:        "shipping-cost",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool { return err == nil },
	})
	return &ShippingResponder{inner: inner, breaker: cb}
}

// Reply implements responder-selection step 2 (spec §4.3). Text that does
// not parse as a shipping command returns ("", false) so the caller falls
// through to the next responder; once it parses, any provider error (or an
// empty quote list) yields the canonical help reply instead of propagating.
func (s *ShippingResponder) Reply(ctx context.Context, text string) (string, bool) {
	origin, destination, weightGrams, courier, ok := parseShippingCommand(text)
	if !ok {
		return "", false
	}

	quotes, err := s.breaker.Execute(func() ([]transport.ShippingQuote, error) {
		return s.inner.Cost(ctx, transport.ShippingRequest{
			Origin: origin, Destination: destination, WeightGrams: weightGrams, Courier: courier,
		})
	})
	if err != nil || len(quotes) == 0 {
		return helpReply, true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ongkir %s ke %s (%.1f kg, %s):\n", origin, destination, float64(weightGrams)/1000.0, strings.ToUpper(courier))
	for _, q := range quotes {
		fmt.Fprintf(&b, "- %s: Rp%d (%s)\n", q.Service, q.CostRupiah, q.ETADays)
	}
	return strings.TrimRight(b.String(), "\n"), true
}
