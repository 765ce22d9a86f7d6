package config

import (
	"reflect"
	"testing"
)

func TestParseCores(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "0-3,5", want: []int{0, 1, 2, 3, 5}},
		{in: "5,0-2", want: []int{5, 0, 1, 2}},
		{in: "3-1", wantErr: true},
		{in: "a-2", wantErr: true},
		{in: "x", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCores(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseCores(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCores(%q): unexpected error %v", tc.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseCores(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidateRejectsBadNumWorkers(t *testing.T) {
	c := &BackendConfig{NumWorkers: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for num_workers < 1")
	}
}
