package mqtt

import (
	"errors"
	"testing"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/+", "a/", true},
		{"+/+", "/x", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "a/b", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"", "a", false},
	}

	for _, tt := range tests {
		if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"a", "a/b", "a/+/c", "a/#", "#", "+", "+/+/#"}
	for _, f := range valid {
		if err := ValidateFilter(f); err != nil {
			t.Errorf("ValidateFilter(%q) error = %v", f, err)
		}
	}

	invalid := []string{"", "a/#/b", "a#", "a/b+", "a/+b/c"}
	for _, f := range invalid {
		if err := ValidateFilter(f); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateFilter(%q) error = %v, want ErrInvalidTopic", f, err)
		}
	}
}

func TestValidateTopicName(t *testing.T) {
	if err := ValidateTopicName("a/b"); err != nil {
		t.Errorf("ValidateTopicName() error = %v", err)
	}
	for _, topic := range []string{"", "a/+", "a/#"} {
		if err := ValidateTopicName(topic); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateTopicName(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}
