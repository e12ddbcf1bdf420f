package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcbickfo/sagalock"
)

type bucketOptions struct {
	saga       string
	property   string
	values     []string
	maxBuckets int
}

func newBucketCmd(root *rootOptions) *cobra.Command {
	opts := &bucketOptions{}

	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Print the lock bucket of a saga correlation value",
		Long: `Prints the lock key and bucket for each --value. With several values the
ordered lock set a message naming all of them would acquire is printed too.`,
		Example: `  sagalock bucket --saga OrderSaga --property OrderId --value 42 --max-buckets 1024`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.maxBuckets == 0 {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				opts.maxBuckets = cfg.MaxLockBuckets
			}
			return runBucket(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.saga, "saga", "", "Saga type")
	cmd.Flags().StringVar(&opts.property, "property", "", "Correlation property name")
	cmd.Flags().StringArrayVar(&opts.values, "value", nil, "Correlation value (repeatable)")
	cmd.Flags().IntVar(&opts.maxBuckets, "max-buckets", 0, "Bucket count (defaults to the configured maxLockBuckets)")
	_ = cmd.MarkFlagRequired("saga")
	_ = cmd.MarkFlagRequired("property")
	_ = cmd.MarkFlagRequired("value")

	return cmd
}

func runBucket(cmd *cobra.Command, opts *bucketOptions) error {
	if opts.maxBuckets <= 0 {
		return fmt.Errorf("%w: got %d", sagalock.ErrInvalidMaxBuckets, opts.maxBuckets)
	}
	if len(opts.values) == 0 {
		return errors.New("at least one --value is required")
	}

	out := cmd.OutOrStdout()
	keys := make([]sagalock.CorrelationLockKey, 0, len(opts.values))
	for _, v := range opts.values {
		key := sagalock.CorrelationLockKey{SagaType: opts.saga, Property: opts.property, Value: v}
		keys = append(keys, key)
		fmt.Fprintf(out, "%s\t%d\n", key, sagalock.BucketFor(key.String(), opts.maxBuckets))
	}

	if len(keys) > 1 {
		fmt.Fprintf(out, "lock set\t%v\n", sagalock.MapToBuckets(keys, opts.maxBuckets))
	}
	return nil
}
