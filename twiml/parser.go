// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Parse parses TwiML XML and returns a Response AST
func Parse(data []byte) (*Response, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var resp Response

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse error: %w", err)
		}

		if se, ok := token.(xml.StartElement); ok {
			if se.Name.Local == "Response" {
				if err := parseResponse(decoder, &se, &resp); err != nil {
					return nil, err
				}
				return &resp, nil
			}
		}
	}

	return nil, fmt.Errorf("no <Response> element found")
}

func parseResponse(decoder *xml.Decoder, start *xml.StartElement, resp *Response) error {
	if len(start.Attr) > 0 {
		return fmt.Errorf("unknown attribute '%s' on <Response>", start.Attr[0].Name.Local)
	}

	children, err := parseChildren(decoder, "Response")
	if err != nil {
		return err
	}
	resp.Children = children
	return nil
}

// parseChildren parses nested verbs until the end tag of parent
func parseChildren(decoder *xml.Decoder, parent string) ([]Node, error) {
	var children []Node
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return children, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			node, err := parseNode(decoder, &t)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		case xml.EndElement:
			if t.Name.Local == parent {
				return children, nil
			}
		}
	}
}

func parseNode(decoder *xml.Decoder, start *xml.StartElement) (Node, error) {
	switch start.Name.Local {
	case "Say":
		return parseSay(decoder, start)
	case "Play":
		return parsePlay(decoder, start)
	case "Pause":
		return parsePause(decoder, start)
	case "Gather":
		return parseGather(decoder, start)
	case "Dial":
		return parseDial(decoder, start)
	case "Redirect":
		return parseRedirect(decoder, start)
	case "Hangup":
		// Hangup is self-closing, consume the end tag
		if err := decoder.Skip(); err != nil {
			return nil, err
		}
		return &Hangup{}, nil
	case "Conference":
		return parseConferenceDial(decoder, start)
	default:
		return nil, fmt.Errorf("unknown TwiML element: <%s>", start.Name.Local)
	}
}

func parseSay(decoder *xml.Decoder, start *xml.StartElement) (*Say, error) {
	say := &Say{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "voice":
			say.Voice = attr.Value
		case "language":
			say.Language = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Say>", attr.Name.Local)
		}
	}

	// Get text content
	if err := decoder.DecodeElement(&say.Text, start); err != nil {
		return nil, err
	}

	return say, nil
}

func parsePlay(decoder *xml.Decoder, start *xml.StartElement) (*Play, error) {
	play := &Play{Loop: 1}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "loop":
			n, err := strconv.Atoi(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid loop %q on <Play>", attr.Value)
			}
			play.Loop = n
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Play>", attr.Name.Local)
		}
	}
	if err := decoder.DecodeElement(&play.URL, start); err != nil {
		return nil, err
	}
	play.URL = strings.TrimSpace(play.URL)
	return play, nil
}

func parsePause(decoder *xml.Decoder, start *xml.StartElement) (*Pause, error) {
	pause := &Pause{Length: 1 * time.Second} // default 1s
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "length":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				pause.Length = time.Duration(n) * time.Second
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Pause>", attr.Name.Local)
		}
	}
	if err := decoder.Skip(); err != nil {
		return nil, err
	}
	return pause, nil
}

func parseGather(decoder *xml.Decoder, start *xml.StartElement) (*Gather, error) {
	gather := &Gather{
		Input:   "dtmf",
		Timeout: 5 * time.Second,
		Method:  "POST",
	}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "input":
			gather.Input = attr.Value
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				gather.Timeout = time.Duration(n) * time.Second
			}
		case "speechTimeout":
			gather.SpeechTimeout = attr.Value
		case "numDigits":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				gather.NumDigits = n
			}
		case "language":
			gather.Language = attr.Value
		case "action":
			gather.Action = attr.Value
		case "method":
			gather.Method = strings.ToUpper(attr.Value)
		case "actionOnEmptyResult":
			gather.ActionOnEmptyResult = attr.Value == "true"
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Gather>", attr.Name.Local)
		}
	}

	children, err := parseChildren(decoder, "Gather")
	if err != nil {
		return nil, err
	}
	gather.Children = children
	return gather, nil
}

func parseDial(decoder *xml.Decoder, start *xml.StartElement) (*Dial, error) {
	dial := &Dial{
		Method:  "POST",
		Timeout: 30 * time.Second,
	}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "action":
			dial.Action = attr.Value
		case "method":
			dial.Method = strings.ToUpper(attr.Value)
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				dial.Timeout = time.Duration(n) * time.Second
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Dial>", attr.Name.Local)
		}
	}

	// Parse content which could be plain text (number) or a nested conference
	var textContent string
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.CharData:
			textContent += strings.TrimSpace(string(t))
		case xml.StartElement:
			node, err := parseNode(decoder, &t)
			if err != nil {
				return nil, err
			}
			dial.Children = append(dial.Children, node)
			if n, ok := node.(*ConferenceDial); ok {
				dial.Conference = n.Name
			}
		case xml.EndElement:
			if t.Name.Local == "Dial" {
				if len(dial.Children) == 0 && textContent != "" {
					dial.Number = textContent
				}
				return dial, nil
			}
		}
	}

	return dial, nil
}

func parseRedirect(decoder *xml.Decoder, start *xml.StartElement) (*Redirect, error) {
	redirect := &Redirect{Method: "POST"}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "method":
			redirect.Method = strings.ToUpper(attr.Value)
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Redirect>", attr.Name.Local)
		}
	}

	if err := decoder.DecodeElement(&redirect.URL, start); err != nil {
		return nil, err
	}
	redirect.URL = strings.TrimSpace(redirect.URL)

	return redirect, nil
}

func parseConferenceDial(decoder *xml.Decoder, start *xml.StartElement) (*ConferenceDial, error) {
	conf := &ConferenceDial{
		Beep:                   true,
		StartConferenceOnEnter: true,
		EndConferenceOnExit:    false,
		StatusCallbackMethod:   "POST",
	}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "muted":
			conf.Muted = attr.Value == "true"
		case "beep":
			conf.Beep = attr.Value != "false"
		case "startConferenceOnEnter":
			conf.StartConferenceOnEnter = attr.Value == "true"
		case "endConferenceOnExit":
			conf.EndConferenceOnExit = attr.Value == "true"
		case "waitUrl":
			conf.WaitURL = attr.Value
		case "statusCallback":
			conf.StatusCallback = attr.Value
		case "statusCallbackEvent":
			conf.StatusCallbackEvent = attr.Value
		case "statusCallbackMethod":
			conf.StatusCallbackMethod = strings.ToUpper(attr.Value)
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Conference>", attr.Name.Local)
		}
	}

	if err := decoder.DecodeElement(&conf.Name, start); err != nil {
		return nil, err
	}
	conf.Name = strings.TrimSpace(conf.Name)

	return conf, nil
}
