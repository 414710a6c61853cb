package exchange

import "testing"

func TestSymbolMapper_ToVenue(t *testing.T) {
	cases := []struct {
		venue   string
		unified string
		want    string
		wantErr bool
	}{
		{"binance", "BTC/USDT", "BTCUSDT", false},
		{"binance", "ETH/USDT", "ETHUSDT", false},
		{"binance", "BTC/USDC:USDC", "BTCUSDC", false},
		{"okx", "BTC/USDT", "BTC-USDT", false},
		{"okx", "BTC/USDC:USDC", "BTC-USDC-USDC", false},
		{"binance", "BTC", "", true},
		{"binance", "/USDT", "", true},
	}

	for _, tc := range cases {
		mapper := NewSymbolMapper(tc.venue, nil)
		got, err := mapper.ToVenue(tc.unified)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s/%s: expected error", tc.venue, tc.unified)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s/%s: unexpected error: %v", tc.venue, tc.unified, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s/%s: got %q, want %q", tc.venue, tc.unified, got, tc.want)
		}
	}
}

func TestSymbolMapper_FromVenue(t *testing.T) {
	binance := NewSymbolMapper("binance", nil)
	if got := binance.FromVenue("BTCUSDT"); got != "BTC/USDT" {
		t.Errorf("got %q", got)
	}
	if got := binance.FromVenue("SOLUSDC"); got != "SOL/USDC" {
		t.Errorf("got %q", got)
	}

	okx := NewSymbolMapper("okx", nil)
	if got := okx.FromVenue("BTC-USDT"); got != "BTC/USDT" {
		t.Errorf("got %q", got)
	}
	if got := okx.FromVenue("BTC-USDC-USDC"); got != "BTC/USDC:USDC" {
		t.Errorf("got %q", got)
	}
}

func TestSymbolMapper_QuoteCurrencyMap(t *testing.T) {
	mapper := NewSymbolMapper("custom", &VenueNotation{
		Separator:        "_",
		QuoteCurrencyMap: map[string]string{"USDT": "USD"},
	})
	got, err := mapper.ToVenue("BTC/USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "BTC_USD" {
		t.Errorf("got %q, want BTC_USD", got)
	}
}

func TestBaseSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT":      "BTC",
		"BTC":           "BTC",
		"ETH/USDC:USDC": "ETH",
		"SOL:USDT":      "SOL",
	}
	for in, want := range cases {
		if got := BaseSymbol(in); got != want {
			t.Errorf("BaseSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
