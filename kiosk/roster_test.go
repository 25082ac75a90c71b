package kiosk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/checkin-engine/kiosk"
)

func testRoster() kiosk.Roster {
	return kiosk.Roster{
		{ID: "c-1", Name: "Avery Stone", Email: "avery@example.com", Phone: "(555) 010-1000", RemainingSessions: 3},
		{ID: "c-2", Name: "Jordan Lee", Email: "jlee@example.com", Phone: "555-020-2000", RemainingSessions: 0},
		{ID: "c-3", Name: "Riley Jordan", Email: "riley@example.com", Phone: "", RemainingSessions: 8},
	}
}

func TestRoster_Search(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"c-1", "c-2", "c-3"}},
		{"jordan", []string{"c-2", "c-3"}},
		{"  JORDAN ", []string{"c-2", "c-3"}},
		{"riley@", []string{"c-3"}},
		{"5550101000", []string{"c-1"}},
		{"020", []string{"c-2"}},
		{"nobody", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got []string
			for _, e := range testRoster().Search(tt.query) {
				got = append(got, string(e.ID))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoster_ApplyAndFind(t *testing.T) {
	r := testRoster()
	r.Apply("c-1", 2)

	e, ok := r.Find("c-1")
	assert.True(t, ok)
	assert.Equal(t, 2, e.RemainingSessions)

	_, ok = r.Find("c-9")
	assert.False(t, ok)
}
