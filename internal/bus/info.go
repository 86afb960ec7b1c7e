package bus

import (
	"context"
	"fmt"
	"strings"
)

// GroupInfo is a snapshot of one consumer group's backlog.
type GroupInfo struct {
	Name      string
	Pending   int64
	Consumers int64
}

// StreamInfo is a snapshot of one stream and its groups.
type StreamInfo struct {
	Name   string
	Length int64
	Groups []GroupInfo
}

// Info inspects a stream via XINFO. A stream that does not exist yet is
// reported with Length 0 and no groups.
func (b *Bus) Info(ctx context.Context, stream string) (StreamInfo, error) {
	info := StreamInfo{Name: stream}

	s, err := b.rdb.XInfoStream(ctx, stream).Result()
	if err != nil {
		if isNoStreamErr(err) {
			return info, nil
		}
		return info, fmt.Errorf("xinfo stream %s: %w", stream, err)
	}
	info.Length = s.Length

	groups, err := b.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if isNoStreamErr(err) {
			return info, nil
		}
		return info, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	for _, g := range groups {
		info.Groups = append(info.Groups, GroupInfo{
			Name:      g.Name,
			Pending:   g.Pending,
			Consumers: g.Consumers,
		})
	}
	return info, nil
}

func isNoStreamErr(err error) bool {
	// Redis answers XINFO on a missing key with "ERR no such key".
	return err != nil && strings.Contains(err.Error(), "no such key")
}
