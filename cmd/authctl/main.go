// Command authctl runs operator actions against the credential store
// directly. Every action is audited with the system actor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/store/pg"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	fset := flag.NewFlagSet(cmd, flag.ExitOnError)
	dsn := fset.String("dsn", os.Getenv("PEOPLEDESK_PG_DSN"), "PostgreSQL DSN")
	email := fset.String("email", "", "employee email")
	_ = fset.Parse(os.Args[2:])

	if *dsn == "" {
		fail("missing DSN: provide via -dsn or PEOPLEDESK_PG_DSN")
	}
	if strings.TrimSpace(*email) == "" {
		fail("missing -email")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		fail("open db: %v", err)
	}
	defer store.Close()

	svc, err := auth.NewService(store)
	if err != nil {
		fail("auth service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	actor := auth.SystemIdentity()
	emp, err := svc.EmployeeByEmail(ctx, actor, *email)
	if err != nil {
		fail("find %s: %v", *email, err)
	}

	switch cmd {
	case "require-rotation":
		err = svc.RequirePasswordRotation(ctx, actor, emp.ID)
	case "unlock":
		err = svc.Unlock(ctx, actor, emp.ID)
	case "roles":
		var assignments []auth.RoleAssignment
		assignments, err = svc.ListRoles(ctx, actor, emp.ID)
		for _, a := range assignments {
			fmt.Printf("%s\t%s\t%s\n", a.ID, a.Role, a.CreatedAt.Format(time.RFC3339))
		}
	default:
		usage()
	}
	if err != nil {
		fail("%s %s failed: %v", cmd, emp.Email, err)
	}
	fmt.Printf("%s %s: OK\n", cmd, emp.Email)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <require-rotation|unlock|roles> -email <address> [-dsn <dsn>]\n", os.Args[0])
	os.Exit(1)
}
