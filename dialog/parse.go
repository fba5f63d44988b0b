// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package dialog

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxNameLength = 64
	maxAge        = 130
)

var namePrefixes = []string{"my name is ", "my name's ", "this is ", "i am ", "i'm ", "it's ", "call me "}

// ParseName extracts a caller name from recognized speech. It returns false
// when the speech holds no letters or is only an introduction ("my name is").
func ParseName(speech string) (string, bool) {
	s := trimTrailing(strings.TrimSpace(speech))
	for _, p := range namePrefixes {
		if strings.EqualFold(s, strings.TrimSpace(p)) {
			return "", false
		}
		if len(s) > len(p) && strings.EqualFold(s[:len(p)], p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	s = trimTrailing(s)
	if !strings.ContainsFunc(s, unicode.IsLetter) {
		return "", false
	}
	if utf8.RuneCountInString(s) > maxNameLength {
		return "", false
	}
	return s, true
}

func trimTrailing(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

var smallNumbers = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"thirteen": 13, "fourteen": 14, "fifteen": 15, "sixteen": 16,
	"seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tens = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// ParseAge extracts an age from recognized speech, accepting digits ("30",
// "I am 30") or English number words ("forty two"). The first number in the
// utterance wins. It returns false for anything outside 0..130, without a
// number, or for word sequences that do not spell one ("twenty twenty").
func ParseAge(speech string) (int, bool) {
	words := strings.FieldsFunc(strings.ToLower(speech), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for i, w := range words {
		var (
			n  int
			ok bool
		)
		switch {
		case w[0] >= '0' && w[0] <= '9':
			v, err := strconv.Atoi(w)
			n, ok = v, err == nil
		case isNumberWord(w):
			n, ok = numberWords(words[i:])
		default:
			continue
		}
		if !ok || n > maxAge {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func isNumberWord(w string) bool {
	_, small := smallNumbers[w]
	_, ten := tens[w]
	return small || ten
}

// numberWords reads one spelled number below a thousand from the head of
// words, stopping at the first word that cannot continue it.
func numberWords(words []string) (int, bool) {
	var (
		hundreds, group int
		tensSeen        bool
		unitSeen        bool
		afterHundred    bool
	)
	for _, w := range words {
		if v, ok := tens[w]; ok {
			if tensSeen || unitSeen {
				return 0, false
			}
			group += v
			tensSeen = true
			afterHundred = false
			continue
		}
		if v, ok := smallNumbers[w]; ok {
			switch {
			case unitSeen:
				return 0, false
			case tensSeen && (v == 0 || v > 9):
				return 0, false
			case v == 0 && hundreds > 0:
				return 0, false
			}
			group += v
			unitSeen = true
			afterHundred = false
			continue
		}
		if w == "hundred" {
			if hundreds > 0 || tensSeen || !unitSeen || group == 0 || group > 9 {
				return 0, false
			}
			hundreds, group = group*100, 0
			unitSeen = false
			afterHundred = true
			continue
		}
		if w == "and" && afterHundred {
			afterHundred = false
			continue
		}
		break
	}
	return hundreds + group, true
}
