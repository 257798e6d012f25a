package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/ecg.report/internal/rpc"
)

const ctlUsage = "ecg-report ctl [-addr host:port] [-timeout d] status|toggle|connect|watch"

// runCtl drives a running service over gRPC and prints each reply as one
// JSON line.
func runCtl(ctx context.Context, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	fs.SetOutput(w)
	addr := fs.String("addr", "localhost:50051", "gRPC address of the running service")
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout for status, toggle and connect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: %s", errUsage, ctlUsage)
	}

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", *addr, err)
	}
	defer cc.Close()
	client := rpc.NewClient(cc)

	var call func(context.Context, ...grpc.CallOption) (*structpb.Struct, error)
	switch fs.Arg(0) {
	case "status":
		call = client.GetStatus
	case "toggle":
		call = client.Toggle
	case "connect":
		call = client.Connect
	case "watch":
		return watch(ctx, w, client)
	default:
		return fmt.Errorf("%w: unknown ctl command %q; %s", errUsage, fs.Arg(0), ctlUsage)
	}

	callCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	msg, err := call(callCtx)
	if err != nil {
		return err
	}
	return printMessage(w, msg)
}

func watch(ctx context.Context, w io.Writer, client *rpc.Client) error {
	stream, err := client.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printMessage(w, msg); err != nil {
			return err
		}
	}
}

func printMessage(w io.Writer, msg *structpb.Struct) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
