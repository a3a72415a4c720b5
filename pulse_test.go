package pulse

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestSnapshotMarshalJSON(t *testing.T) {
	total := 150

	type Test struct {
		Name     string
		Given    Snapshot
		Expected string
	}

	testCases := []Test{
		{
			Name: "Live snapshot",
			Given: Snapshot{
				OnlineUsers:       25,
				RequestsPerMinute: 45,
				OrdersToday:       8,
				RevenueToday:      decimal.RequireFromString("750.5"),
			},
			Expected: `{"onlineUsers":25,"requestsPerMin":45,"ordersToday":8,"revenueToday":750.50}`,
		},
		{
			Name: "Summary",
			Given: Snapshot{
				OrdersToday:  5,
				RevenueToday: decimal.RequireFromString("500"),
				TotalUsers:   &total,
			},
			Expected: `{"onlineUsers":0,"requestsPerMin":0,"ordersToday":5,"revenueToday":500.00,"totalUsers":150}`,
		},
		{
			Name:     "Zero value",
			Given:    Snapshot{},
			Expected: `{"onlineUsers":0,"requestsPerMin":0,"ordersToday":0,"revenueToday":0.00}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			data, err := json.Marshal(tc.Given)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tc.Expected {
				t.Errorf("got %s, want %s", data, tc.Expected)
			}
		})
	}
}

func TestGetLogger(t *testing.T) {
	type Test struct {
		Name     string
		Given    string
		Expected zerolog.Level
	}

	testCases := []Test{
		{Name: "Debug", Given: "debug", Expected: zerolog.DebugLevel},
		{Name: "Trace", Given: "trace", Expected: zerolog.TraceLevel},
		{Name: "Error", Given: "error", Expected: zerolog.ErrorLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			if got := GetLogger(tc.Given).GetLevel(); got != tc.Expected {
				t.Errorf("level = %s, want %s", got, tc.Expected)
			}
		})
	}
}
