package buffer

import (
	"testing"
)

func BenchmarkCircularBufferWrite(b *testing.B) {
	for _, policy := range []OverflowPolicy{DropOldest, DropNewest} {
		b.Run(policy.String(), func(b *testing.B) {
			buf, err := NewCircularBuffer[int](1024, WithOverflowPolicy[int](policy))
			if err != nil {
				b.Fatal(err)
			}
			defer buf.Close()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_ = buf.Write(i)
					i++
				}
			})
		})
	}
}

func BenchmarkCircularBufferWriteRead(b *testing.B) {
	buf, err := NewCircularBuffer[int](1024)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(i)
		_, _ = buf.Read()
	}
}

func BenchmarkStackPushPop(b *testing.B) {
	var s Stack
	chunk := make([]byte, 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Push(chunk)
		s.Pop(16)
		s.Pop(496)
	}
}
