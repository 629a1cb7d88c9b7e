package ratelimit

import "testing"

func TestCategoryString(t *testing.T) {
	tests := []struct {
		Category
		want string
	}{
		{CategoryAll, "CategoryAll"},
		{CategoryError, "CategoryError"},
		{CategoryTrack, "CategoryTrack"},
		{CategoryIdentify, "CategoryIdentify"},
		{Category("unknown"), "CategoryUnknown"},
		{Category("two words"), "CategoryTwoWords"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			got := tt.Category.String()
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategoryKnown(t *testing.T) {
	for _, c := range []Category{CategoryAll, CategoryTrack, CategoryPage, CategoryGroup, CategoryError} {
		if !c.Known() {
			t.Errorf("%s should be known", c)
		}
	}
	if Category("profile").Known() {
		t.Error("profile should not be known")
	}
}
