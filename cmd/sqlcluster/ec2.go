// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
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
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// The profile written by setup-ec2 shows the defaults of these.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/sqlcluster/sqlconfig"
)

const securityGroupTag = "sqlcluster-sg"

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: sqlcluster setup-ec2 [-securitygroup name] [-instance type]

Command setup-ec2 prepares an AWS account to run sqlcluster workers on
EC2, and writes the resulting configuration to `, sqlconfig.Path, `,
modifying any existing configuration in place.

The security group is tagged `, securityGroupTag, `. An existing tagged
group is reused. A new group admits all traffic within the default VPC,
together with inbound SSH and HTTPS connections.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("sqlcluster setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "sqlcluster", "name of the security group to set up")
		instance      = flags.String("instance", "m5.xlarge", "EC2 instance type of the workers")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	f, err := os.Open(sqlconfig.Path)
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
		log.Print("ec2 security group ", v, " already configured")
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		ident, err := setupSecurityGroup(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("bigmachine/ec2system.security-group", ident))
	}
	must.Nil(profile.Set("sqlcluster.system", "bigmachine/ec2system"))
	must.Nil(profile.Set("bigmachine/ec2system.instance", *instance))

	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(sqlconfig.Path), 0777))
	tmp := sqlconfig.Path + ".setup-ec2"
	must.Nil(ioutil.WriteFile(tmp, buf.Bytes(), 0666))
	must.Nil(os.Rename(tmp, sqlconfig.Path))
	log.Print("wrote configuration to ", sqlconfig.Path)
}

// setupSecurityGroup returns the ID of the security group tagged for
// sqlcluster, creating it in the default VPC if there is none.
func setupSecurityGroup(svc *ec2.EC2, name string) (string, error) {
	describeResp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("tag:" + securityGroupTag),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("describe security groups: %v", err)
	}
	if len(describeResp.SecurityGroups) > 0 {
		id := aws.StringValue(describeResp.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcResp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("describe default VPC: %v", err)
	}
	if len(vpcResp.Vpcs) != 1 {
		return "", errors.New("AWS account requires exactly one default VPC; see " +
			"https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	}
	vpc := vpcResp.Vpcs[0]
	log.Printf("creating security group %s in VPC %s", name, aws.StringValue(vpc.VpcId))
	resp, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("sqlcluster workers"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", fmt.Errorf("create security group %s: %v", name, err)
	}
	id := aws.StringValue(resp.GroupId)
	inbound := func(port int64) *ec2.IpPermission {
		return &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		}
	}
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []*ec2.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			inbound(22),
			// Bigmachine RPC.
			inbound(443),
		},
	})
	if err != nil {
		return "", fmt.Errorf("authorize ingress for security group %s: %v", id, err)
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
