package amqptest

import (
	"strings"

	"github.com/arvidson/warren"
)

func routingMatches(typ warren.ExchangeType, pattern, routingKey string) bool {
	switch typ {
	case warren.ExchangeFanout:
		return true
	case warren.ExchangeTopic:
		return topicMatch(pattern, routingKey)
	case warren.ExchangeHeaders:
		// Header matching isn't modeled; every bound queue receives the
		// message, which is enough for tests that don't assert on
		// per-header routing.
		return true
	default: // direct, and the unnamed default exchange
		return pattern == routingKey
	}
}

func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		if matchWords(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern[1:], key[1:])
	default:
		if len(key) == 0 || key[0] != pattern[0] {
			return false
		}
		return matchWords(pattern[1:], key[1:])
	}
}
