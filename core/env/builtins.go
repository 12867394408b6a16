// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package env

import (
	"errors"
	"fmt"
	"strings"
)

// Builtins is the core command set every process-wide executor carries.
func Builtins() Provider {
	return Provider{
		Name: "builtins",
		Core: true,
		Commands: []Command{
			{Invocation: "help", Handler: help, Help: "help [command]: list commands, or describe one"},
			{Invocation: "echo", Handler: echo, Help: "echo <message>: write message to the output"},
			{Invocation: "ping", Handler: echo, Help: "ping <message>: alias of echo"},
			{Invocation: "set", Handler: set, Help: "set <name> <value>: set a variable"},
			{Invocation: "unset", Handler: unset, Help: "unset <name>: remove a variable"},
			{Invocation: "vars", Handler: vars, Help: "vars: list variables"},
		},
	}
}

func help(e *Executor, args []string) (Status, error) {
	if len(args) > 1 {
		c, ok := e.Lookup(args[1])
		if !ok {
			return Failure, fmt.Errorf("no such command '%s'", args[1])
		}
		e.Out().Infof("%s", helpLine(c))
		return Success, nil
	}

	var b strings.Builder
	b.WriteString("Available commands:")
	for _, c := range e.Commands() {
		b.WriteString("\n  ")
		b.WriteString(helpLine(c))
	}
	e.Out().Infof("%s", b.String())
	return Success, nil
}

func helpLine(c Command) string {
	if c.Help == "" {
		return c.Invocation
	}
	return c.Help
}

func echo(e *Executor, args []string) (Status, error) {
	e.Out().Infof("%s", strings.Join(args[1:], " "))
	return Success, nil
}

func set(e *Executor, args []string) (Status, error) {
	if len(args) < 3 {
		return Failure, errors.New("usage: set <name> <value>")
	}
	if err := e.SetVariable(args[1], strings.Join(args[2:], " ")); err != nil {
		return Failure, err
	}
	return Success, nil
}

func unset(e *Executor, args []string) (Status, error) {
	if len(args) != 2 {
		return Failure, errors.New("usage: unset <name>")
	}
	if !e.RemoveVariable(args[1]) {
		return Failure, fmt.Errorf("no such variable '%s'", args[1])
	}
	return Success, nil
}

func vars(e *Executor, args []string) (Status, error) {
	var b strings.Builder
	b.WriteString("Variables:")
	for x := e; x != nil; x = x.Global() {
		for _, name := range x.Variables() {
			v, _ := x.GetVariable(name)
			fmt.Fprintf(&b, "\n  %s (%s) = %v", name, x.Name(), v)
		}
	}
	e.Out().Infof("%s", b.String())
	return Success, nil
}
