// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// Bring in the default AWS configuration so that the written
	// profile shows it.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/trainlaunch/launchconfig"
)

// securityGroupTag marks the security groups created by setup-ec2.
const securityGroupTag = "trainlaunch-sg"

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: trainlaunch setup-ec2 [-securitygroup name] [-instance type]

Command setup-ec2 configures trainlaunch to run the ranks of multi-node
jobs on AWS EC2 instances. It sets up a security group in which ranks
can reach each other's rendezvous, and writes the resulting
configuration to the trainlaunch profile at `, launchconfig.Path, `.
If the profile already exists, then it is modified in place.

The security group is set up with the following rules:

	allowed: all traffic within the default VPC
	allowed: all outbound
	allowed: inbound SSH connections
	allowed: inbound HTTPS connections

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("trainlaunch setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "trainlaunch", "name of the security group to set up")
		instance      = flags.String("instance", "p3.8xlarge", "instance type of the machines that run ranks")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	f, err := os.Open(launchconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}

	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Printf("ec2 security group %s already configured", v)
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		ident, err := securityGroupID(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("bigmachine/ec2system.security-group", ident))
		log.Printf("using security group %s", ident)
	}
	must.Nil(profile.Set("trainlaunch.system", "bigmachine/ec2system"))
	must.Nil(profile.Set("bigmachine/ec2system.instance", *instance))

	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(launchconfig.Path), 0777))
	tmp := launchconfig.Path + ".setup-ec2"
	must.Nil(ioutil.WriteFile(tmp, buf.Bytes(), 0644))
	must.Nil(os.Rename(tmp, launchconfig.Path))
	log.Printf("wrote configuration to %s", launchconfig.Path)
}

// securityGroupID returns the ID of the named security group,
// creating it in the default VPC if it does not exist.
func securityGroupID(svc *ec2.EC2, name string) (string, error) {
	describe, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Unavailable, fmt.Sprintf("query security group %s", name), err)
	}
	if len(describe.SecurityGroups) > 0 {
		id := aws.StringValue(describe.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcs, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Unavailable, "query default VPC", err)
	}
	if len(vpcs.Vpcs) != 1 {
		return "", errors.E(errors.Precondition, fmt.Sprintf("found %d default VPCs; the account needs manual setup", len(vpcs.Vpcs)))
	}
	vpc := vpcs.Vpcs[0]
	created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group created by trainlaunch setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("create security group %s", name), err)
	}
	id := aws.StringValue(created.GroupId)
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName: aws.String(name),
		IpPermissions: []*ec2.IpPermission{
			// Ranks rendezvous on arbitrary ports within the VPC.
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			tcpIngress(22),
			// Bigmachine's supervisor.
			tcpIngress(443),
		},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorize ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String(securityGroupTag), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s", id)
	return id, nil
}

func tcpIngress(port int64) *ec2.IpPermission {
	return &ec2.IpPermission{
		IpProtocol: aws.String("tcp"),
		IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		FromPort:   aws.Int64(port),
		ToPort:     aws.Int64(port),
	}
}
