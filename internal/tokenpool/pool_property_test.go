package tokenpool

import (
	"strconv"
	"testing"

	"pgregory.net/rapid"

	"yqhp/grid-agent/pkg/types"
)

// MarkInUse 的返回值总是上一次写入的值，List 反映最后一次写入
func TestMarkInUseModelProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "tokens")
		p := New(nil)
		model := make(map[string]bool, n)
		for i := 0; i < n; i++ {
			id := "t" + strconv.Itoa(i)
			p.Offer(types.Token{ID: id})
			model[id] = false
		}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			id := "t" + strconv.Itoa(rapid.IntRange(0, n-1).Draw(t, "id"))
			v := rapid.Bool().Draw(t, "value")

			prev, err := p.MarkInUse(id, v)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if prev != model[id] {
				t.Fatalf("token %s: previous %v, expected %v", id, prev, model[id])
			}
			model[id] = v
		}

		list := p.List()
		if len(list) != n {
			t.Fatalf("list size %d, expected %d", len(list), n)
		}
		for _, tok := range list {
			if tok.InUse != model[tok.ID] {
				t.Fatalf("token %s: listed inUse %v, expected %v", tok.ID, tok.InUse, model[tok.ID])
			}
		}
	})
}

// 同一令牌最多只有一个会话
func TestSingleSessionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := New(nil)
		ids := []string{"a", "b", "c"}
		for _, id := range ids {
			p.Offer(types.Token{ID: id})
		}
		model := map[string]bool{}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			if rapid.Bool().Draw(t, "reserve") {
				_ = p.Reserve(id)
				model[id] = true
			} else {
				_ = p.Release(id)
				delete(model, id)
			}
			if p.SessionCount() != len(model) {
				t.Fatalf("session count %d, expected %d", p.SessionCount(), len(model))
			}
		}
	})
}
