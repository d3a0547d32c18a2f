// rate-gate is an operational CLI over the rate-limit store. It runs one
// admission operation against the configured backend and prints the result,
// which makes the shared state inspectable and repairable from a shell:
//
//	rate-gate check -resource api.example.com -priority user
//	rate-gate acquire -resource api.example.com
//	rate-gate record -resource api.example.com -priority background
//	rate-gate status -resource api.example.com
//	rate-gate wait -resource api.example.com
//	rate-gate reset -resource api.example.com
//	rate-gate clear
//	rate-gate cooldown -origin mail.example.com -until 30m
//	rate-gate cooldown -origin mail.example.com
//	rate-gate cooldown -origin mail.example.com -lift
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"rate-gate/internal/common/logging"
	"rate-gate/internal/config"
	"rate-gate/internal/ratelimit"
	"rate-gate/internal/ratelimit/factory"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger()
	defer logging.MustSync()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := factory.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	if err := run(ctx, store, os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, store ratelimit.Store, command string, args []string) error {
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	resource := flags.String("resource", "", "resource key")
	priority := flags.String("priority", "", "traffic class: user or background")
	origin := flags.String("origin", "", "cooldown origin")
	until := flags.Duration("until", 0, "cooldown duration from now")
	lift := flags.Bool("lift", false, "lift the cooldown instead of reading it")
	if err := flags.Parse(args); err != nil {
		return err
	}
	prio := ratelimit.Priority(*priority)

	switch command {
	case "check":
		ok, err := store.CanProceed(ctx, *resource, prio)
		if err != nil {
			return err
		}
		fmt.Printf("can proceed: %t\n", ok)

	case "acquire":
		ok, err := store.Acquire(ctx, *resource, prio)
		if err != nil {
			return err
		}
		fmt.Printf("acquired: %t\n", ok)

	case "record":
		if err := store.Record(ctx, *resource, prio); err != nil {
			return err
		}
		fmt.Println("recorded")

	case "status":
		status, err := store.Status(ctx, *resource, prio)
		if err != nil {
			return err
		}
		fmt.Printf("remaining: %d of %d, resets at %s\n",
			status.Remaining, status.Limit, status.ResetTime.Format(time.RFC3339))
		if status.Adaptive != nil {
			fmt.Printf("adaptive: user %d, background %d (paused: %t, %s)\n",
				status.Adaptive.UserReserved, status.Adaptive.BackgroundMax,
				status.Adaptive.BackgroundPaused, status.Adaptive.Reason)
		}

	case "wait":
		wait, err := store.WaitTime(ctx, *resource, prio)
		if err != nil {
			return err
		}
		fmt.Printf("wait: %s\n", wait)

	case "reset":
		if err := store.Reset(ctx, *resource); err != nil {
			return err
		}
		fmt.Println("reset")

	case "clear":
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("cleared")

	case "cooldown":
		switch {
		case *lift:
			if err := store.ClearCooldown(ctx, *origin); err != nil {
				return err
			}
			fmt.Println("cooldown lifted")
		case *until > 0:
			deadline := time.Now().Add(*until)
			if err := store.SetCooldown(ctx, *origin, deadline); err != nil {
				return err
			}
			fmt.Printf("cooldown set until %s\n", deadline.Format(time.RFC3339))
		default:
			deadline, active, err := store.Cooldown(ctx, *origin)
			if err != nil {
				return err
			}
			if !active {
				fmt.Println("no active cooldown")
			} else {
				fmt.Printf("cooling down until %s\n", deadline.Format(time.RFC3339))
			}
		}

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}

	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rate-gate <command> [flags]

commands:
  check     report whether a request would be admitted
  acquire   atomically reserve one admission slot
  record    log a request without checking capacity
  status    show remaining capacity and reset time
  wait      show how long until the next attempt can succeed
  reset     drop all state for one resource
  clear     drop all rate-limit state
  cooldown  set, read or lift an origin cooldown

flags:
  -resource <key>     resource to operate on
  -priority <class>   user or background
  -origin <key>       cooldown origin
  -until <duration>   cooldown length, e.g. 30m
  -lift               lift the cooldown`)
}
