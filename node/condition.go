// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Logic combines the results of the members of a condition group.
type Logic int

const (
	// All matches when every member matches.
	All Logic = iota
	// Any matches when at least one member matches.
	Any
	// None matches when no member matches.
	None
	// NotAll matches when at least one member does not match.
	NotAll
)

// ParseLogic parses all, any, none or notAll.
func ParseLogic(s string) (Logic, error) {
	switch strings.ToLower(s) {
	case "", "all", "and":
		return All, nil
	case "any", "or":
		return Any, nil
	case "none":
		return None, nil
	case "notall":
		return NotAll, nil
	}
	return All, fmt.Errorf("unknown condition logic %q", s)
}

func (l Logic) String() string {
	switch l {
	case All:
		return "all"
	case Any:
		return "any"
	case None:
		return "none"
	case NotAll:
		return "notAll"
	default:
		return fmt.Sprintf("Logic(%d)", int(l))
	}
}

// Condition is one compiled test of a request.
type Condition interface {
	Match(c *Context) bool
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(c *Context) bool

// Match implements Condition.
func (f ConditionFunc) Match(c *Context) bool {
	return f(c)
}

// Evaluator compiles condition expressions.
type Evaluator interface {
	Compile(expression string) (Condition, error)
}

// ConditionGroup is a tree of conditions.
type ConditionGroup struct {
	Logic      Logic
	Conditions []Condition
	Groups     []*ConditionGroup
}

// Match evaluates the group against c. A group without members always
// matches.
func (g *ConditionGroup) Match(c *Context) bool {
	if g == nil {
		return true
	}
	total := len(g.Conditions) + len(g.Groups)
	if total == 0 {
		return true
	}
	matched := 0
	for _, condition := range g.Conditions {
		if condition.Match(c) {
			matched++
		}
	}
	for _, group := range g.Groups {
		if group.Match(c) {
			matched++
		}
	}
	switch g.Logic {
	case Any:
		return matched > 0
	case None:
		return matched == 0
	case NotAll:
		return matched < total
	default:
		return matched == total
	}
}

// DefaultEvaluator understands expressions of the form
//
//	<operand> <operator> <value>
//
// where operand is one of method, path, host, query, ip, header:<name> or
// cookie:<name>, and operator is one of =, !=, startsWith, endsWith,
// contains or ~ (regular expression). The value may be quoted.
type DefaultEvaluator struct{}

// Compile implements Evaluator.
func (DefaultEvaluator) Compile(expression string) (Condition, error) {
	fields := strings.Fields(expression)
	if len(fields) < 2 {
		return nil, fmt.Errorf("condition %q: expected <operand> <operator> <value>", expression)
	}
	operand, err := compileOperand(fields[0])
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expression, err)
	}
	value := ""
	if len(fields) > 2 {
		// keep inner whitespace of the value
		rest := strings.TrimSpace(expression)[len(fields[0]):]
		rest = strings.TrimSpace(rest)[len(fields[1]):]
		value = unquote(strings.TrimSpace(rest))
	}
	test, err := compileOperator(fields[1], value)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expression, err)
	}
	return ConditionFunc(func(c *Context) bool {
		return test(operand(c))
	}), nil
}

func compileOperand(name string) (func(*Context) string, error) {
	kind, arg, _ := strings.Cut(name, ":")
	switch strings.ToLower(kind) {
	case "method":
		return func(c *Context) string { return c.Request.Method }, nil
	case "path":
		return func(c *Context) string { return c.Request.URL.Path }, nil
	case "host":
		return func(c *Context) string {
			host := c.Request.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			return strings.ToLower(host)
		}, nil
	case "query":
		return func(c *Context) string { return c.Request.URL.RawQuery }, nil
	case "ip":
		return func(c *Context) string {
			host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
			if err != nil {
				return c.Request.RemoteAddr
			}
			return host
		}, nil
	case "header":
		if arg == "" {
			return nil, fmt.Errorf("operand %q needs a header name", name)
		}
		return func(c *Context) string { return c.Request.Header.Get(arg) }, nil
	case "cookie":
		if arg == "" {
			return nil, fmt.Errorf("operand %q needs a cookie name", name)
		}
		return func(c *Context) string {
			cookie, err := c.Request.Cookie(arg)
			if err != nil {
				return ""
			}
			return cookie.Value
		}, nil
	}
	return nil, fmt.Errorf("unknown operand %q", name)
}

func compileOperator(op, value string) (func(string) bool, error) {
	switch strings.ToLower(op) {
	case "=", "==":
		return func(s string) bool { return strings.EqualFold(s, value) }, nil
	case "!=":
		return func(s string) bool { return !strings.EqualFold(s, value) }, nil
	case "startswith":
		return func(s string) bool { return strings.HasPrefix(s, value) }, nil
	case "endswith":
		return func(s string) bool { return strings.HasSuffix(s, value) }, nil
	case "contains":
		return func(s string) bool { return strings.Contains(s, value) }, nil
	case "~":
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
